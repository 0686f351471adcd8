package contacts

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/emersion/go-vcard"
	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/carddav"

	"github.com/nugget/steward/internal/config"
	"github.com/nugget/steward/internal/httpkit"
	"github.com/nugget/steward/internal/users"
)

// Credentials looks up a user's provider credential.
type Credentials interface {
	Credential(userID, provider string) (*users.Credential, error)
}

// cardClient is the subset of carddav.Client the address book uses.
type cardClient interface {
	QueryAddressBook(ctx context.Context, path string, q *carddav.AddressBookQuery) ([]carddav.AddressObject, error)
	GetAddressObject(ctx context.Context, path string) (*carddav.AddressObject, error)
	PutAddressObject(ctx context.Context, path string, card vcard.Card) (*carddav.AddressObject, error)
}

// AddressBook is a user's CardDAV address book on the CRM server.
type AddressBook struct {
	cfg   config.CRMConfig
	creds Credentials

	dial func(ctx context.Context, userID string) (cardClient, string, error)

	mu    sync.Mutex
	paths map[string]string // user ID → address book path
}

// NewAddressBook creates a CardDAV address book client.
func NewAddressBook(cfg config.CRMConfig, creds Credentials) *AddressBook {
	ab := &AddressBook{cfg: cfg, creds: creds, paths: make(map[string]string)}
	ab.dial = ab.dialCardDAV
	return ab
}

func (ab *AddressBook) dialCardDAV(ctx context.Context, userID string) (cardClient, string, error) {
	cred, err := ab.creds.Credential(userID, users.ProviderHubSpot)
	if err != nil {
		return nil, "", err
	}

	var hc webdav.HTTPClient
	if ab.cfg.Auth == "basic" {
		hc = webdav.HTTPClientWithBasicAuth(httpkit.NewClient(), cred.Account, cred.AccessToken)
	} else {
		hc = httpkit.NewClient(httpkit.WithBearerToken(func() (string, error) {
			c, err := ab.creds.Credential(userID, users.ProviderHubSpot)
			if err != nil {
				return "", err
			}
			return c.AccessToken, nil
		}))
	}
	client, err := carddav.NewClient(hc, ab.cfg.URL)
	if err != nil {
		return nil, "", fmt.Errorf("carddav client: %w", err)
	}

	ab.mu.Lock()
	path, ok := ab.paths[userID]
	ab.mu.Unlock()
	if ok {
		return client, path, nil
	}

	principal, err := client.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("find principal: %w", err)
	}
	home, err := client.FindAddressBookHomeSet(ctx, principal)
	if err != nil {
		return nil, "", fmt.Errorf("find address book home: %w", err)
	}
	books, err := client.FindAddressBooks(ctx, home)
	if err != nil {
		return nil, "", fmt.Errorf("list address books: %w", err)
	}
	if len(books) == 0 {
		return nil, "", fmt.Errorf("no address book under %s", home)
	}
	path = books[0].Path

	ab.mu.Lock()
	ab.paths[userID] = path
	ab.mu.Unlock()
	return client, path, nil
}

// Put writes c as a vCard. A contact without a RemotePath gets a new
// object named after its ID; the path is recorded on c.
func (ab *AddressBook) Put(ctx context.Context, c *Contact) error {
	client, book, err := ab.dial(ctx, c.UserID)
	if err != nil {
		return err
	}

	card := make(vcard.Card)
	if c.RemotePath != "" {
		obj, err := client.GetAddressObject(ctx, c.RemotePath)
		if err != nil {
			return fmt.Errorf("get card %s: %w", c.RemotePath, err)
		}
		card = obj.Card
	} else {
		c.RemotePath = strings.TrimSuffix(book, "/") + "/" + c.ID + ".vcf"
		card.SetValue(vcard.FieldUID, c.ID)
	}
	applyContact(card, c)

	if _, err := client.PutAddressObject(ctx, c.RemotePath, card); err != nil {
		return fmt.Errorf("put card: %w", err)
	}
	return nil
}

// AppendNote adds a NOTE line to the contact's card.
func (ab *AddressBook) AppendNote(ctx context.Context, c *Contact, note *Note) error {
	if c.RemotePath == "" {
		if err := ab.Put(ctx, c); err != nil {
			return err
		}
	}
	client, _, err := ab.dial(ctx, c.UserID)
	if err != nil {
		return err
	}
	obj, err := client.GetAddressObject(ctx, c.RemotePath)
	if err != nil {
		return fmt.Errorf("get card %s: %w", c.RemotePath, err)
	}
	obj.Card.AddValue(vcard.FieldNote, note.CreatedAt.Format("2006-01-02")+": "+note.Content)
	if _, err := client.PutAddressObject(ctx, c.RemotePath, obj.Card); err != nil {
		return fmt.Errorf("put card: %w", err)
	}
	return nil
}

// Search queries the address book by name and/or email fragment. An
// empty query lists every card.
func (ab *AddressBook) Search(ctx context.Context, userID, name, email string) ([]*Contact, error) {
	client, book, err := ab.dial(ctx, userID)
	if err != nil {
		return nil, err
	}

	q := &carddav.AddressBookQuery{
		DataRequest: carddav.AddressDataRequest{AllProp: true},
		FilterTest:  carddav.FilterAllOf,
	}
	if name = strings.TrimSpace(name); name != "" {
		q.PropFilters = append(q.PropFilters, carddav.PropFilter{
			Name:        vcard.FieldFormattedName,
			TextMatches: []carddav.TextMatch{{Text: name, MatchType: carddav.MatchContains}},
		})
	}
	if email = strings.TrimSpace(email); email != "" {
		q.PropFilters = append(q.PropFilters, carddav.PropFilter{
			Name:        vcard.FieldEmail,
			TextMatches: []carddav.TextMatch{{Text: email, MatchType: carddav.MatchContains}},
		})
	}

	objs, err := client.QueryAddressBook(ctx, book, q)
	if err != nil {
		return nil, fmt.Errorf("query address book: %w", err)
	}
	var out []*Contact
	for _, obj := range objs {
		c := contactFromCard(obj.Card)
		if c.Email == "" {
			continue
		}
		c.UserID = userID
		c.RemotePath = obj.Path
		out = append(out, c)
	}
	return out, nil
}

func applyContact(card vcard.Card, c *Contact) {
	if card.Value(vcard.FieldVersion) == "" {
		card.SetValue(vcard.FieldVersion, "4.0")
	}
	name := c.Name
	if name == "" {
		name = c.Email
	}
	card.SetValue(vcard.FieldFormattedName, name)
	card.SetValue(vcard.FieldEmail, c.Email)
	if c.Phone != "" {
		card.SetValue(vcard.FieldTelephone, c.Phone)
	}
	if c.Company != "" {
		card.SetValue(vcard.FieldOrganization, c.Company)
	}
}

func contactFromCard(card vcard.Card) *Contact {
	c := &Contact{
		Email:   normalizeEmail(card.PreferredValue(vcard.FieldEmail)),
		Name:    card.PreferredValue(vcard.FieldFormattedName),
		Phone:   card.PreferredValue(vcard.FieldTelephone),
		Company: card.PreferredValue(vcard.FieldOrganization),
	}
	if c.Name == c.Email {
		c.Name = ""
	}
	return c
}
