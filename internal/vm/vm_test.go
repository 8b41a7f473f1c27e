package vm

import (
	"testing"

	"github.com/cockroachdb/errors"

	"github.com/me/vmsched/internal/logging"
)

// stubMachine records which loader created it.
type stubMachine struct{ format Format }

func (m *stubMachine) Format() Format                 { return m.format }
func (m *stubMachine) Run(uint64) (Trap, error)       { return Trap{Call: SysExit}, nil }
func (m *stubMachine) Complete(Result)                {}
func (m *stubMachine) Cycles() uint64                 { return 0 }
func (m *stubMachine) MarshalBinary() ([]byte, error) { return nil, nil }

type stubLoader struct {
	format Format
	magic  string
}

func (l stubLoader) Format() Format { return l.format }
func (l stubLoader) Magic() []byte  { return []byte(l.magic) }
func (l stubLoader) Load(Env, []byte, [][]byte) (Machine, error) {
	return &stubMachine{format: l.format}, nil
}
func (l stubLoader) Restore(Env, []byte) (Machine, error) {
	return &stubMachine{format: l.format}, nil
}

func TestRegistry_LoadPicksLoader(t *testing.T) {
	reg := NewRegistry(logging.Discard(),
		stubLoader{format: 7, magic: "AB"},
		stubLoader{format: 3, magic: "ABC"},
		stubLoader{format: 5, magic: "AB"},
		stubLoader{format: 9, magic: "X"},
	)
	tests := []struct {
		program string
		want    Format
	}{
		{"ABCD", 3},
		{"ABD", 5},
		{"XYZ", 9},
	}
	for _, tt := range tests {
		// Map iteration order varies between calls; the pick must not.
		for i := 0; i < 50; i++ {
			m, err := reg.Load(nil, []byte(tt.program), nil)
			if err != nil {
				t.Fatalf("Load(%q): %v", tt.program, err)
			}
			if m.Format() != tt.want {
				t.Fatalf("Load(%q) format = %d, want %d", tt.program, m.Format(), tt.want)
			}
		}
	}

	if _, err := reg.Load(nil, []byte("QQ"), nil); !errors.Is(err, ErrUnknownFormat) {
		t.Errorf("Load unknown magic error = %v, want ErrUnknownFormat", err)
	}
}
