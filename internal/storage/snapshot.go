package storage

import (
	"fmt"
	"math"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Snapshots use the protobuf wire format:
//
//	message Snapshot {
//	  uint32 version = 1;
//	  uint32 granularity = 2;
//	  uint64 limit = 3;
//	  bool allow_duplicates = 4;
//	  uint64 total_stored = 5;
//	  repeated Transition transitions = 6;
//	  repeated double priorities = 7 [packed = true];
//	}
//
//	message Transition {
//	  string id = 1;
//	  string episode_id = 2;
//	  bytes state = 3;
//	  bytes action = 4;
//	  bytes next_state = 5;
//	  double reward = 6;
//	  bool game_over = 7;
//	  google.protobuf.Struct info = 8;
//	  sint64 timestamp_unix_nano = 9;
//	}
const snapshotVersion = 1

const (
	snapshotVersionField         protowire.Number = 1
	snapshotGranularityField     protowire.Number = 2
	snapshotLimitField           protowire.Number = 3
	snapshotAllowDuplicatesField protowire.Number = 4
	snapshotTotalStoredField     protowire.Number = 5
	snapshotTransitionField      protowire.Number = 6
	snapshotPrioritiesField      protowire.Number = 7
)

const (
	transitionIDField        protowire.Number = 1
	transitionEpisodeIDField protowire.Number = 2
	transitionStateField     protowire.Number = 3
	transitionActionField    protowire.Number = 4
	transitionNextStateField protowire.Number = 5
	transitionRewardField    protowire.Number = 6
	transitionGameOverField  protowire.Number = 7
	transitionInfoField      protowire.Number = 8
	transitionTimestampField protowire.Number = 9
)

type snapshot struct {
	maxSize         MaxSize
	allowDuplicates bool
	totalStored     uint64
	transitions     []*Transition
	priorities      []float64
}

// MarshalBinary encodes the memory bound and its full transition sequence
func (m *ExperienceReplay) MarshalBinary() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return encodeSnapshot(m.snapshot())
}

// UnmarshalBinary replaces the memory contents with the decoded snapshot. The
// memory keeps its own bound; a larger snapshot is trimmed oldest first.
func (m *ExperienceReplay) UnmarshalBinary(data []byte) error {
	s, err := decodeSnapshot(data)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.restore(s)
	return nil
}

// Restore decodes a snapshot into a new memory using the bound it was saved with
func Restore(data []byte) (*ExperienceReplay, error) {
	s, err := decodeSnapshot(data)
	if err != nil {
		return nil, err
	}

	m, err := NewExperienceReplay(s.maxSize, s.allowDuplicates)
	if err != nil {
		return nil, err
	}
	m.restore(s)
	return m, nil
}

func (m *ExperienceReplay) snapshot() snapshot {
	return snapshot{
		maxSize:         m.maxSize,
		allowDuplicates: m.allowDuplicates,
		totalStored:     m.totalStored,
		transitions:     m.transitions,
	}
}

func (m *ExperienceReplay) restore(s snapshot) {
	m.transitions = s.transitions
	m.numTransitions = len(s.transitions)
	m.totalStored = s.totalStored
	m.enforceMaxLength()
}

func encodeSnapshot(s snapshot) ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, snapshotVersionField, protowire.VarintType)
	b = protowire.AppendVarint(b, snapshotVersion)
	b = protowire.AppendTag(b, snapshotGranularityField, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(s.maxSize.Granularity))
	b = protowire.AppendTag(b, snapshotLimitField, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(s.maxSize.Limit))
	b = protowire.AppendTag(b, snapshotAllowDuplicatesField, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeBool(s.allowDuplicates))
	b = protowire.AppendTag(b, snapshotTotalStoredField, protowire.VarintType)
	b = protowire.AppendVarint(b, s.totalStored)

	for i, t := range s.transitions {
		encoded, err := encodeTransition(t)
		if err != nil {
			return nil, fmt.Errorf("encode transition %d: %w", i, err)
		}
		b = protowire.AppendTag(b, snapshotTransitionField, protowire.BytesType)
		b = protowire.AppendBytes(b, encoded)
	}

	if len(s.priorities) > 0 {
		packed := make([]byte, 0, 8*len(s.priorities))
		for _, p := range s.priorities {
			packed = protowire.AppendFixed64(packed, math.Float64bits(p))
		}
		b = protowire.AppendTag(b, snapshotPrioritiesField, protowire.BytesType)
		b = protowire.AppendBytes(b, packed)
	}

	return b, nil
}

func encodeTransition(t *Transition) ([]byte, error) {
	var b []byte
	if t.ID != "" {
		b = protowire.AppendTag(b, transitionIDField, protowire.BytesType)
		b = protowire.AppendString(b, t.ID)
	}
	if t.EpisodeID != "" {
		b = protowire.AppendTag(b, transitionEpisodeIDField, protowire.BytesType)
		b = protowire.AppendString(b, t.EpisodeID)
	}
	b = appendBytesField(b, transitionStateField, t.State)
	b = appendBytesField(b, transitionActionField, t.Action)
	b = appendBytesField(b, transitionNextStateField, t.NextState)
	b = protowire.AppendTag(b, transitionRewardField, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, math.Float64bits(t.Reward))
	if t.GameOver {
		b = protowire.AppendTag(b, transitionGameOverField, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
	}
	if len(t.Info) > 0 {
		info, err := structpb.NewStruct(t.Info)
		if err != nil {
			return nil, fmt.Errorf("info: %w", err)
		}
		encoded, err := proto.Marshal(info)
		if err != nil {
			return nil, fmt.Errorf("info: %w", err)
		}
		b = protowire.AppendTag(b, transitionInfoField, protowire.BytesType)
		b = protowire.AppendBytes(b, encoded)
	}
	if !t.Timestamp.IsZero() {
		b = protowire.AppendTag(b, transitionTimestampField, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(t.Timestamp.UnixNano()))
	}
	return b, nil
}

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	if v == nil {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func decodeSnapshot(b []byte) (snapshot, error) {
	var s snapshot
	var version uint64

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return snapshot{}, corrupt(protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == snapshotTransitionField && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return snapshot{}, corrupt(protowire.ParseError(n))
			}
			t, err := decodeTransition(v)
			if err != nil {
				return snapshot{}, err
			}
			s.transitions = append(s.transitions, t)
			b = b[n:]

		case num == snapshotPrioritiesField && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return snapshot{}, corrupt(protowire.ParseError(n))
			}
			for len(v) > 0 {
				bits, m := protowire.ConsumeFixed64(v)
				if m < 0 {
					return snapshot{}, corrupt(protowire.ParseError(m))
				}
				s.priorities = append(s.priorities, math.Float64frombits(bits))
				v = v[m:]
			}
			b = b[n:]

		case typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return snapshot{}, corrupt(protowire.ParseError(n))
			}
			switch num {
			case snapshotVersionField:
				version = v
			case snapshotGranularityField:
				s.maxSize.Granularity = Granularity(v)
			case snapshotLimitField:
				s.maxSize.Limit = int(v)
			case snapshotAllowDuplicatesField:
				s.allowDuplicates = protowire.DecodeBool(v)
			case snapshotTotalStoredField:
				s.totalStored = v
			}
			b = b[n:]

		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return snapshot{}, corrupt(protowire.ParseError(n))
			}
			b = b[n:]
		}
	}

	if version != snapshotVersion {
		return snapshot{}, fmt.Errorf("%w: unsupported version %d", ErrCorruptSnapshot, version)
	}
	if s.priorities != nil && len(s.priorities) != len(s.transitions) {
		return snapshot{}, fmt.Errorf("%w: %d priorities for %d transitions",
			ErrCorruptSnapshot, len(s.priorities), len(s.transitions))
	}
	if s.transitions == nil {
		s.transitions = make([]*Transition, 0)
	}
	return s, nil
}

func decodeTransition(b []byte) (*Transition, error) {
	t := &Transition{Info: make(map[string]any)}

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, corrupt(protowire.ParseError(n))
		}
		b = b[n:]

		switch typ {
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, corrupt(protowire.ParseError(n))
			}
			switch num {
			case transitionIDField:
				t.ID = string(v)
			case transitionEpisodeIDField:
				t.EpisodeID = string(v)
			case transitionStateField:
				t.State = append([]byte{}, v...)
			case transitionActionField:
				t.Action = append([]byte{}, v...)
			case transitionNextStateField:
				t.NextState = append([]byte{}, v...)
			case transitionInfoField:
				var info structpb.Struct
				if err := proto.Unmarshal(v, &info); err != nil {
					return nil, corrupt(err)
				}
				t.Info = info.AsMap()
			}
			b = b[n:]

		case protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return nil, corrupt(protowire.ParseError(n))
			}
			if num == transitionRewardField {
				t.Reward = math.Float64frombits(v)
			}
			b = b[n:]

		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, corrupt(protowire.ParseError(n))
			}
			switch num {
			case transitionGameOverField:
				t.GameOver = protowire.DecodeBool(v)
			case transitionTimestampField:
				t.Timestamp = time.Unix(0, protowire.DecodeZigZag(v)).UTC()
			}
			b = b[n:]

		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, corrupt(protowire.ParseError(n))
			}
			b = b[n:]
		}
	}

	return t, nil
}

func corrupt(err error) error {
	return fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
}
