// Package transport carries the message envelope and the WebSocket client
// used by the sync and reactions services. Services depend only on the
// narrow send/subscribe contract so the concrete transport can be swapped.
package transport

import "encoding/json"

// Message is the wire envelope exchanged with the relay.
type Message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Message types relayed between participants. Both client services and the
// relay server switch on these.
const (
	MsgSyncJoin        = "viewer_sync_join"
	MsgSyncLeave       = "viewer_sync_leave"
	MsgSyncUpdate      = "viewer_sync_update"
	MsgSyncEvent       = "viewer_sync_event"
	MsgSyncHostRequest = "viewer_sync_host_request"
	MsgSyncRoomState   = "viewer_sync_room_state"
	MsgSyncHostChange  = "viewer_sync_host_change"

	MsgReaction        = "reaction"
	MsgReactionBatch   = "reaction_batch"
	MsgReactionBurst   = "reaction_burst"
	MsgElementCreate   = "interactive_element_create"
	MsgElementInteract = "interactive_element_interact"
	MsgElementUpdate   = "interactive_element_update"
	MsgReactionStats   = "reaction_stats"
)
