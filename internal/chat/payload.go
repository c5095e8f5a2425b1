package chat

import (
	"fmt"
	"strings"

	"github.com/execbroker/broker/internal/store"
)

// Action identifies what a button payload asks the coordinator to do.
type Action string

const (
	ActionApprove   Action = "approve"
	ActionDeny      Action = "deny"
	ActionAddSecret Action = "add_secret"
)

// Payload is a decoded button click: an action plus its positional
// arguments, e.g. "approve:<req_id>:<scope>" decodes to
// {Action: "approve", Args: ["<req_id>", "<scope>"]}.
type Payload struct {
	Action Action
	Args   []string
}

// EncodeApprove builds the payload for an approve button.
func EncodeApprove(requestID string, scope store.TrustScope) string {
	return fmt.Sprintf("%s:%s:%s", ActionApprove, requestID, scope)
}

// EncodeDeny builds the payload for a deny button.
func EncodeDeny(requestID string) string {
	return fmt.Sprintf("%s:%s", ActionDeny, requestID)
}

// EncodeAddSecret builds the payload for an inline add-secret button.
// requestID is optional; pass "" when the button isn't tied to a
// specific pending request.
func EncodeAddSecret(name, requestID string) string {
	if requestID == "" {
		return fmt.Sprintf("%s:%s", ActionAddSecret, name)
	}
	return fmt.Sprintf("%s:%s:%s", ActionAddSecret, name, requestID)
}

// ParsePayload splits a button payload into its action and arguments.
// Unknown actions are returned, not rejected — the coordinator is
// tolerant of them per the chat channel's own compatibility contract.
func ParsePayload(raw string) (Payload, error) {
	parts := strings.Split(raw, ":")
	if len(parts) == 0 || parts[0] == "" {
		return Payload{}, fmt.Errorf("chat: empty button payload")
	}
	return Payload{
		Action: Action(parts[0]),
		Args:   parts[1:],
	}, nil
}
