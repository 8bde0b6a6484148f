package dataset

import "fmt"

// Turn is the atomic work unit: one initiator message with its optional
// response, checkpointed individually.
type Turn struct {
	Content       string
	Timestamp     string
	SessionID     string
	UserRole      string
	AssistantRole string
}

// Key derives the stable work-unit key from the turn's position within the
// conversation and the session timestamp, so identity survives reordering of
// the surrounding dataset file.
func Key(turnIndex int, timestamp string) string {
	return fmt.Sprintf("%d_%s", turnIndex, timestamp)
}

// ExtractTurns groups session messages into initiator/responder pairs.
// The walk starts turns at a non-assistant message; a following message with
// a different role becomes the response. A trailing initiator message without
// a response still forms a turn.
func ExtractTurns(dialogs []Session) []Turn {
	var turns []Turn

	for _, session := range dialogs {
		sessionID := session.SessionID
		if sessionID == "" {
			sessionID = "unknown"
		}

		i := 0
		for i < len(session.Messages) {
			current := session.Messages[i]

			if isResponderRole(current.Role) {
				i++
				continue
			}

			userContent := current.Content
			userRole := current.Role

			assistantContent := ""
			assistantRole := ""
			if i+1 < len(session.Messages) {
				next := session.Messages[i+1]
				if next.Role != userRole {
					assistantContent = next.Content
					assistantRole = next.Role
					i += 2
				} else {
					i++
				}
			} else {
				i++
			}

			if userContent == "" {
				continue
			}

			content := "User: " + userContent
			if assistantContent != "" {
				content += "\nAssistant: " + assistantContent
			}

			turns = append(turns, Turn{
				Content:       content,
				Timestamp:     session.DateTime,
				SessionID:     sessionID,
				UserRole:      userRole,
				AssistantRole: assistantRole,
			})
		}
	}

	return turns
}

// isResponderRole reports whether a role never starts a turn.
func isResponderRole(role string) bool {
	switch role {
	case "assistant", "Assistant", "system", "System", "model", "Model":
		return true
	}
	return false
}
