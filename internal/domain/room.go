package domain

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

// Child keys of a room record.
const (
	RoomOffer            = "offer"
	RoomAnswer           = "answer"
	RoomCallerCandidates = "callerCandidates"
	RoomCalleeCandidates = "calleeCandidates"
)

// Role is the part a participant plays in a two-party call.
type Role string

const (
	RoleInitiator Role = "initiator"
	RoleJoiner    Role = "joiner"
)

// CandidateList returns the list this role appends its local candidates to.
func (r Role) CandidateList() string {
	if r == RoleInitiator {
		return RoomCallerCandidates
	}
	return RoomCalleeCandidates
}

// RemoteCandidateList returns the list the other party appends to.
func (r Role) RemoteCandidateList() string {
	if r == RoleInitiator {
		return RoomCalleeCandidates
	}
	return RoomCallerCandidates
}

// RoomPaths resolves the signaling paths of one room under a root.
type RoomPaths struct {
	Root string
	Name string
}

func (p RoomPaths) Room() string {
	return JoinPath(p.Root, p.Name)
}

func (p RoomPaths) Child(name string) string {
	return JoinPath(p.Root, p.Name, name)
}

// JoinPath joins path segments with "/" and drops empty ones.
func JoinPath(segments ...string) string {
	parts := make([]string, 0, len(segments))
	for _, s := range segments {
		s = strings.Trim(s, "/")
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "/")
}

// SessionRecord is the stored form of an offer or an answer.
type SessionRecord struct {
	Type      webrtc.SDPType `json:"type"`
	SDP       string         `json:"sdp"`
	CreatedAt *ServerTime    `json:"createdAt,omitempty"`
}

func NewSessionRecord(desc webrtc.SessionDescription) SessionRecord {
	return SessionRecord{Type: desc.Type, SDP: desc.SDP}
}

func (r SessionRecord) Description() webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: r.Type, SDP: r.SDP}
}

// RoomRecord is the decoded room subtree.
type RoomRecord struct {
	Offer            *SessionRecord                     `json:"offer,omitempty"`
	Answer           *SessionRecord                     `json:"answer,omitempty"`
	CallerCandidates map[string]webrtc.ICECandidateInit `json:"callerCandidates,omitempty"`
	CalleeCandidates map[string]webrtc.ICECandidateInit `json:"calleeCandidates,omitempty"`
}

// ServerTime is a Unix millisecond timestamp assigned by the signaling server.
// A zero value marshals to the server timestamp placeholder.
type ServerTime struct {
	Millis int64
}

// ServerTimestamp asks the server to fill in its own clock on write.
var ServerTimestamp = map[string]string{".sv": "timestamp"}

func (t *ServerTime) MarshalJSON() ([]byte, error) {
	if t == nil || t.Millis == 0 {
		return json.Marshal(ServerTimestamp)
	}
	return []byte(strconv.FormatInt(t.Millis, 10)), nil
}

func (t *ServerTime) UnmarshalJSON(data []byte) error {
	var ms int64
	if err := json.Unmarshal(data, &ms); err != nil {
		// placeholder objects are not resolved yet
		t.Millis = 0
		return nil
	}
	t.Millis = ms
	return nil
}

func (t *ServerTime) Time() time.Time {
	if t == nil || t.Millis == 0 {
		return time.Time{}
	}
	return time.UnixMilli(t.Millis).UTC()
}
