package tracekit

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	errInvalidHexID    = errors.New("tracekit: invalid hex id")
	errInvalidTraceID  = errors.New("tracekit: trace id is all zeros")
	errInvalidSpanID   = errors.New("tracekit: span id is all zeros")
	errTraceStateLimit = errors.New("tracekit: trace state exceeds member limit")
	errTraceStateEntry = errors.New("tracekit: invalid trace state member")
)

// TraceID is a 128-bit trace identifier. The zero value is invalid.
type TraceID [16]byte

// SpanID is a 64-bit span identifier. The zero value is invalid.
type SpanID [8]byte

var (
	nilTraceID TraceID
	nilSpanID  SpanID
)

// IsValid reports whether the id has at least one non-zero byte.
func (t TraceID) IsValid() bool { return !bytes.Equal(t[:], nilTraceID[:]) }

// String returns the lowercase hex encoding.
func (t TraceID) String() string { return hex.EncodeToString(t[:]) }

// IsValid reports whether the id has at least one non-zero byte.
func (s SpanID) IsValid() bool { return !bytes.Equal(s[:], nilSpanID[:]) }

// String returns the lowercase hex encoding.
func (s SpanID) String() string { return hex.EncodeToString(s[:]) }

// TraceIDFromHex parses a 32 character lowercase hex string.
func TraceIDFromHex(h string) (TraceID, error) {
	var t TraceID
	if err := decodeHexID(t[:], h); err != nil {
		return t, err
	}
	if !t.IsValid() {
		return t, errInvalidTraceID
	}
	return t, nil
}

// SpanIDFromHex parses a 16 character lowercase hex string.
func SpanIDFromHex(h string) (SpanID, error) {
	var s SpanID
	if err := decodeHexID(s[:], h); err != nil {
		return s, err
	}
	if !s.IsValid() {
		return s, errInvalidSpanID
	}
	return s, nil
}

func decodeHexID(dst []byte, h string) error {
	if len(h) != hex.EncodedLen(len(dst)) {
		return errInvalidHexID
	}
	for i := 0; i < len(h); i++ {
		c := h[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return errInvalidHexID
		}
	}
	if _, err := hex.Decode(dst, []byte(h)); err != nil {
		return fmt.Errorf("%w: %v", errInvalidHexID, err)
	}
	return nil
}

// TraceFlags carries the W3C trace-flags byte.
type TraceFlags byte

// FlagsSampled is the sampled bit.
const FlagsSampled TraceFlags = 0x01

// IsSampled reports whether the sampled bit is set.
func (f TraceFlags) IsSampled() bool { return f&FlagsSampled == FlagsSampled }

// WithSampled returns f with the sampled bit set or cleared.
func (f TraceFlags) WithSampled(sampled bool) TraceFlags {
	if sampled {
		return f | FlagsSampled
	}
	return f &^ FlagsSampled
}

// String returns the two character hex encoding.
func (f TraceFlags) String() string { return hex.EncodeToString([]byte{byte(f)}) }

const (
	maxTraceStateMembers = 32
	maxTraceStateLength  = 512
)

var (
	traceStateKeyRe   = regexp.MustCompile(`^(?:[a-z][_0-9a-z\-\*\/]{0,255}|[a-z0-9][_0-9a-z\-\*\/]{0,240}@[a-z][_0-9a-z\-\*\/]{0,13})$`)
	traceStateValueRe = regexp.MustCompile(`^[\x20-\x2b\x2d-\x3c\x3e-\x7e]{0,255}[\x21-\x2b\x2d-\x3c\x3e-\x7e]$`)
)

type traceStateMember struct {
	key   string
	value string
}

// TraceState is an immutable ordered list of vendor key/value pairs.
// Operations that change it return a new value.
type TraceState struct {
	members []traceStateMember
}

// ParseTraceState parses a W3C tracestate header value.
func ParseTraceState(s string) (TraceState, error) {
	if strings.TrimSpace(s) == "" {
		return TraceState{}, nil
	}
	if len(s) > maxTraceStateLength {
		return TraceState{}, errTraceStateLimit
	}

	var members []traceStateMember
	seen := make(map[string]struct{})
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		k, v, ok := strings.Cut(part, "=")
		if !ok || !traceStateKeyRe.MatchString(k) || !traceStateValueRe.MatchString(v) {
			return TraceState{}, fmt.Errorf("%w: %q", errTraceStateEntry, part)
		}
		if _, dup := seen[k]; dup {
			return TraceState{}, fmt.Errorf("%w: duplicate key %q", errTraceStateEntry, k)
		}
		seen[k] = struct{}{}
		members = append(members, traceStateMember{key: k, value: v})
		if len(members) > maxTraceStateMembers {
			return TraceState{}, errTraceStateLimit
		}
	}
	return TraceState{members: members}, nil
}

// Get returns the value for key, or "" when absent.
func (ts TraceState) Get(key string) string {
	for _, m := range ts.members {
		if m.key == key {
			return m.value
		}
	}
	return ""
}

// Insert adds or updates key and moves it to the front.
func (ts TraceState) Insert(key, value string) (TraceState, error) {
	if !traceStateKeyRe.MatchString(key) || !traceStateValueRe.MatchString(value) {
		return ts, fmt.Errorf("%w: %q=%q", errTraceStateEntry, key, value)
	}
	members := make([]traceStateMember, 0, len(ts.members)+1)
	members = append(members, traceStateMember{key: key, value: value})
	for _, m := range ts.members {
		if m.key != key {
			members = append(members, m)
		}
	}
	if len(members) > maxTraceStateMembers {
		return ts, errTraceStateLimit
	}
	return TraceState{members: members}, nil
}

// Delete removes key. Missing keys are ignored.
func (ts TraceState) Delete(key string) TraceState {
	members := make([]traceStateMember, 0, len(ts.members))
	for _, m := range ts.members {
		if m.key != key {
			members = append(members, m)
		}
	}
	return TraceState{members: members}
}

// Len returns the number of members.
func (ts TraceState) Len() int { return len(ts.members) }

// String encodes the list as a tracestate header value.
func (ts TraceState) String() string {
	if len(ts.members) == 0 {
		return ""
	}
	var b strings.Builder
	for i, m := range ts.members {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(m.key)
		b.WriteByte('=')
		b.WriteString(m.value)
	}
	return b.String()
}

// SpanContextConfig holds the fields used to build a SpanContext.
type SpanContextConfig struct {
	TraceState TraceState
	TraceID    TraceID
	SpanID     SpanID
	TraceFlags TraceFlags
	Remote     bool
}

// SpanContext is the immutable identity of a span.
type SpanContext struct {
	traceState TraceState
	traceID    TraceID
	spanID     SpanID
	traceFlags TraceFlags
	remote     bool
}

// NewSpanContext builds a SpanContext from cfg.
func NewSpanContext(cfg SpanContextConfig) SpanContext {
	return SpanContext{
		traceID:    cfg.TraceID,
		spanID:     cfg.SpanID,
		traceFlags: cfg.TraceFlags,
		traceState: cfg.TraceState,
		remote:     cfg.Remote,
	}
}

// TraceID returns the trace id.
func (sc SpanContext) TraceID() TraceID { return sc.traceID }

// SpanID returns the span id.
func (sc SpanContext) SpanID() SpanID { return sc.spanID }

// TraceFlags returns the trace flags.
func (sc SpanContext) TraceFlags() TraceFlags { return sc.traceFlags }

// TraceState returns the vendor trace state.
func (sc SpanContext) TraceState() TraceState { return sc.traceState }

// IsRemote reports whether sc was extracted from another process.
func (sc SpanContext) IsRemote() bool { return sc.remote }

// IsSampled reports whether the sampled flag is set.
func (sc SpanContext) IsSampled() bool { return sc.traceFlags.IsSampled() }

// IsValid reports whether both ids are valid.
func (sc SpanContext) IsValid() bool { return sc.traceID.IsValid() && sc.spanID.IsValid() }

// WithRemote returns a copy of sc with the remote flag set.
func (sc SpanContext) WithRemote(remote bool) SpanContext {
	sc.remote = remote
	return sc
}

// Equal compares ids, flags, trace state and the remote flag.
func (sc SpanContext) Equal(other SpanContext) bool {
	return sc.traceID == other.traceID &&
		sc.spanID == other.spanID &&
		sc.traceFlags == other.traceFlags &&
		sc.remote == other.remote &&
		sc.traceState.String() == other.traceState.String()
}
