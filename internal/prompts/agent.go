package prompts

import "fmt"

// ExhaustedAnswer is returned when a turn hits the iteration cap.
const ExhaustedAnswer = "I couldn't complete that request in a reasonable number of steps. Please try rephrasing or breaking it into smaller requests."

// ProposalAck is the assistant's reply after proposing times to a
// contact.
func ProposalAck(contact string) string {
	return fmt.Sprintf("I've proposed times to %s. I'll continue scheduling when they reply.", contact)
}

// ToolFailedAnswer is the user-visible reply when a provider fails.
func ToolFailedAnswer(tool string) string {
	return fmt.Sprintf("I couldn't complete that because %s failed. Please check the connected account and try again.", tool)
}

// RejectedToolResult is the tool result handed back to the model when
// a call is rejected before running.
func RejectedToolResult(err error) string {
	return fmt.Sprintf("Error: %v. Check the tool name and arguments and try again.", err)
}

// FailedToolResult is the tool result recorded when the provider fails.
func FailedToolResult(err error) string {
	return fmt.Sprintf("Error: %v", err)
}
