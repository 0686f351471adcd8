package tools

import (
	"context"
	"fmt"
)

func addInstructionTool(store Instructions) Handler {
	return &tool{
		schema: Schema{
			Name: AddInstruction,
			Description: "Save a standing instruction that runs on future inbound messages, " +
				"e.g. condition \"email from someone not in the CRM\", action \"create contact\".",
			Parameters: object([]string{"condition", "action"}, map[string]any{
				"condition": str("When the instruction applies"),
				"action":    str("What to do"),
			}),
		},
		run: func(ctx context.Context, userID string, args map[string]any) (Result, error) {
			cond, err := requireString(args, "condition")
			if err != nil {
				return Result{}, err
			}
			action, err := requireString(args, "action")
			if err != nil {
				return Result{}, err
			}
			in, err := store.Create(userID, cond, action)
			if err != nil {
				return Result{}, err
			}
			return Result{
				Content: fmt.Sprintf("Saved instruction %s: %s", in.ID, in),
				Data:    in,
			}, nil
		},
	}
}
