package protocol

import (
	"fmt"

	"github.com/driftchat/drift/internal/matching"
)

// FromNotification encodes an engine notification as the server message the
// recipient should see.
func FromNotification(n matching.Notification) ([]byte, error) {
	switch n.Kind {
	case matching.KindPresence:
		return NewServerMessage(TypeOnlineCount, OnlineCountMsg{Count: n.Count})
	case matching.KindWaiting:
		return NewServerMessage(TypeWaiting, WaitingMsg{QueueLength: n.Count})
	case matching.KindWaitTimeout:
		return NewServerMessage(TypeWaitTimeout, WaitTimeoutMsg{})
	case matching.KindSessionCreated:
		return NewServerMessage(TypeSessionCreated, SessionCreatedMsg{
			SessionID: n.SessionID,
			Partner: PartnerInfo{
				ID:          string(n.Partner),
				Name:        n.PartnerProfile.DisplayName,
				Gender:      string(n.PartnerProfile.Gender),
				Country:     n.PartnerProfile.Country,
				CountryCode: n.PartnerProfile.CountryCode,
			},
		})
	case matching.KindPartnerLeft:
		return NewServerMessage(TypePartnerLeft, PartnerLeftMsg{SessionID: n.SessionID})
	case matching.KindBlockConfirmed:
		return NewServerMessage(TypeUserBlocked, UserBlockedMsg{
			Success:      true,
			BlockedID:    string(n.Target),
			Blocked:      Identities(n.Blocked),
			SessionEnded: n.SessionEnded,
			SessionID:    n.SessionID,
		})
	case matching.KindUnblockConfirmed:
		return NewServerMessage(TypeUserUnblocked, UserUnblockedMsg{
			Success:     true,
			UnblockedID: string(n.Target),
			Blocked:     Identities(n.Blocked),
		})
	case matching.KindBlockedList:
		return NewServerMessage(TypeBlockedList, BlockedListMsg{Blocked: Identities(n.Blocked)})
	case matching.KindRelay:
		if n.Event == "" {
			return nil, fmt.Errorf("protocol: relay notification without event type")
		}
		return NewServerMessage(n.Event, n.Payload)
	}
	return nil, fmt.Errorf("protocol: unknown notification kind %q", n.Kind)
}

// Identities converts identities to their wire form. It never returns nil so
// that empty lists encode as [].
func Identities(ids []matching.Identity) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}
