package tools

import (
	"context"

	"github.com/nugget/steward/internal/contacts"
)

func createContactTool(crm CRM) Handler {
	return &tool{
		schema: Schema{
			Name:        CreateContact,
			Description: "Create a CRM contact, or update the existing one with the same email.",
			Parameters: object([]string{"email"}, map[string]any{
				"email":   str("Email address"),
				"name":    str("Full name"),
				"phone":   str("Phone number"),
				"company": str("Company or organization"),
			}),
		},
		run: func(ctx context.Context, userID string, args map[string]any) (Result, error) {
			c, err := crm.CreateContact(ctx, userID, contacts.Input{
				Name:    stringArg(args, "name"),
				Email:   stringArg(args, "email"),
				Phone:   stringArg(args, "phone"),
				Company: stringArg(args, "company"),
			})
			if err != nil {
				return Result{}, err
			}
			return Result{Data: c}, nil
		},
	}
}

func findContactTool(crm CRM) Handler {
	return &tool{
		schema: Schema{
			Name:        FindContact,
			Description: "Search CRM contacts by name and/or email. At least one is required.",
			Parameters: object(nil, map[string]any{
				"name":  str("Part of the contact's name"),
				"email": str("Part of the contact's email"),
			}),
		},
		run: func(ctx context.Context, userID string, args map[string]any) (Result, error) {
			found, err := crm.FindContact(ctx, userID, stringArg(args, "name"), stringArg(args, "email"))
			if err != nil {
				return Result{}, err
			}
			if found == nil {
				found = []*contacts.Contact{}
			}
			return Result{Data: map[string]any{"count": len(found), "contacts": found}}, nil
		},
	}
}

func addNoteTool(crm CRM) Handler {
	return &tool{
		schema: Schema{
			Name:        AddNote,
			Description: "Add a note to a CRM contact.",
			Parameters: object([]string{"contact_id", "content"}, map[string]any{
				"contact_id": str("Contact ID from find_contact, or the contact's email"),
				"content":    str("Note text"),
			}),
		},
		run: func(ctx context.Context, userID string, args map[string]any) (Result, error) {
			ref, err := requireString(args, "contact_id")
			if err != nil {
				return Result{}, err
			}
			note, err := crm.AddNote(ctx, userID, ref, stringArg(args, "content"))
			if err != nil {
				return Result{}, err
			}
			return Result{Data: note}, nil
		},
	}
}
