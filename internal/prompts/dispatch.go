package prompts

import "fmt"

// ResumeSystemPrompt opens the single-shot resumption exchange.
const ResumeSystemPrompt = "You are an AI scheduling assistant. Only create an event after the recipient confirms a time."

// NoActionTaken is the outcome when the model declines to act on a reply.
const NoActionTaken = "No action taken, waiting for more info."

// ResumeCompleted is the outcome when a resumed task's tool ran.
func ResumeCompleted(tool string) string {
	return fmt.Sprintf("%s completed and task marked as complete.", tool)
}

// Canned "send email" instruction action.
const (
	ThankYouSubject = "Thank you for being a client"
	ThankYouBody    = "We're excited to work with you!"
)
