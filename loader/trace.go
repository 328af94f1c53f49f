// Package loader reads JSON simulation traces: an initial memory image and
// one memory operation stream per core.
//
// Addresses and values are given either as JSON numbers or as 0x-prefixed
// hex strings:
//
//	{
//	  "memory": [{"addr": "0x100", "words": ["0x180", 4]}],
//	  "cores": [{"ops": [
//	    {"op": "field_write", "handle": "0x100", "index": 2, "value": 42},
//	    {"op": "field_read", "handle": "0x100", "index": 2},
//	    {"op": "expect", "value": 42}
//	  ]}]
//	}
package loader

import (
	"encoding/json"
	"fmt"
	"math"
	"os"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/sarchlab/jopsim/timing/exception"
	"github.com/sarchlab/jopsim/timing/memory"
	"github.com/sarchlab/jopsim/timing/pipeline"
)

// Word is a 32-bit value that decodes from a JSON number or hex string.
type Word uint32

// UnmarshalJSON implements json.Unmarshaler.
func (w *Word) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var h hexutil.Uint64
		if err := h.UnmarshalJSON(data); err != nil {
			return fmt.Errorf("invalid word %s: %w", data, err)
		}
		if uint64(h) > math.MaxUint32 {
			return fmt.Errorf("word %s exceeds 32 bits", data)
		}
		*w = Word(h)
		return nil
	}

	var n uint32
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid word %s: %w", data, err)
	}
	*w = Word(n)
	return nil
}

// MarshalJSON implements json.Marshaler. Words are written as hex strings.
func (w Word) MarshalJSON() ([]byte, error) {
	return json.Marshal(hexutil.Uint64(w))
}

// Segment is a block of initial memory contents.
type Segment struct {
	Addr  Word   `json:"addr"`
	Words []Word `json:"words"`
}

// OpSpec is one operation as written in a trace.
type OpSpec struct {
	Op     string `json:"op"`
	Addr   Word   `json:"addr,omitempty"`
	Handle Word   `json:"handle,omitempty"`
	Index  int64  `json:"index,omitempty"`
	Value  Word   `json:"value,omitempty"`
	Words  int    `json:"words,omitempty"`
	// Fault names the fault expected by an expect operation.
	Fault string `json:"fault,omitempty"`
}

// CoreTrace is the operation stream of one core.
type CoreTrace struct {
	Ops []OpSpec `json:"ops"`
}

// Trace is a complete simulation input.
type Trace struct {
	Memory []Segment   `json:"memory"`
	Cores  []CoreTrace `json:"cores"`
}

// Load reads and parses a trace file.
func Load(path string) (*Trace, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read trace file: %w", err)
	}

	return Parse(data)
}

// Parse parses a trace.
func Parse(data []byte) (*Trace, error) {
	var t Trace
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to parse trace: %w", err)
	}

	if len(t.Cores) == 0 {
		return nil, fmt.Errorf("trace has no core streams")
	}

	return &t, nil
}

// Apply writes the memory image into store.
func (t *Trace) Apply(store *memory.Store) error {
	for i, seg := range t.Memory {
		words := make([]uint32, len(seg.Words))
		for j, w := range seg.Words {
			words[j] = uint32(w)
		}

		if err := store.Load(uint32(seg.Addr), words); err != nil {
			return fmt.Errorf("memory segment %d: %w", i, err)
		}
	}

	return nil
}

// Streams converts the per-core operation lists.
func (t *Trace) Streams() ([][]pipeline.Op, error) {
	streams := make([][]pipeline.Op, len(t.Cores))

	for c, ct := range t.Cores {
		ops := make([]pipeline.Op, len(ct.Ops))
		for i, spec := range ct.Ops {
			op, err := spec.toOp()
			if err != nil {
				return nil, fmt.Errorf("core %d op %d: %w", c, i, err)
			}
			ops[i] = op
		}
		streams[c] = ops
	}

	return streams, nil
}

func (s OpSpec) toOp() (pipeline.Op, error) {
	kind, err := pipeline.ParseOpKind(s.Op)
	if err != nil {
		return pipeline.Op{}, err
	}

	op := pipeline.Op{
		Kind:   kind,
		Addr:   uint32(s.Addr),
		Handle: uint32(s.Handle),
		Index:  s.Index,
		Value:  uint32(s.Value),
		Words:  s.Words,
	}

	if s.Fault != "" {
		if kind != pipeline.OpExpect {
			return pipeline.Op{}, fmt.Errorf("fault given for %s", s.Op)
		}
		op.Fault, err = parseFault(s.Fault)
		if err != nil {
			return pipeline.Op{}, err
		}
	}

	if kind == pipeline.OpInvoke && s.Words <= 0 {
		return pipeline.Op{}, fmt.Errorf("invoke needs a positive method length")
	}

	return op, nil
}

func parseFault(name string) (exception.Kind, error) {
	for k := exception.KindNullAccess; k <= exception.KindInterrupt; k++ {
		if k.String() == name {
			return k, nil
		}
	}
	return exception.KindNone, fmt.Errorf("unknown fault kind %q", name)
}
