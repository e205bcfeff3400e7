package sandbox

import (
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/zeebo/blake3"

	"github.com/p-arndt/convbox/internal/errdefs"
)

// ConverterRef identifies a converter. When Source is empty the source is
// read from Path.
type ConverterRef struct {
	Name   string
	Path   string
	Source []byte
	Args   map[string]string
}

// DisplayName is what logs and audit records call the converter.
func (r ConverterRef) DisplayName() string {
	switch {
	case r.Name != "":
		return r.Name
	case r.Path != "":
		return filepath.Base(r.Path)
	}
	return "converter"
}

func (r ConverterRef) load() ([]byte, error) {
	if len(r.Source) > 0 {
		return r.Source, nil
	}
	if r.Path == "" {
		return nil, errdefs.Configuration("converter reference has neither source nor path")
	}
	src, err := os.ReadFile(r.Path)
	if err != nil {
		return nil, errdefs.Configuration("converter %s: %v", r.Path, err)
	}
	return src, nil
}

// Digest is the hex BLAKE3 hash of a converter source, recorded with every
// run so results can be traced to the exact code that produced them.
func Digest(src []byte) string {
	sum := blake3.Sum256(src)
	return hex.EncodeToString(sum[:])
}

// Outcome is the result of one run: either OK with Data, or a typed Error.
type Outcome struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *errdefs.Error  `json:"error,omitempty"`
	RunID string          `json:"run_id,omitempty"`
}

// Err returns the failure as an error, or nil for a successful outcome.
func (o Outcome) Err() error {
	if o.OK || o.Error == nil {
		return nil
	}
	return o.Error
}

func succeeded(runID string, data json.RawMessage) Outcome {
	return Outcome{OK: true, Data: data, RunID: runID}
}

func failed(runID string, err error) Outcome {
	e := *errdefs.As(err)
	// The cause is not serialised, so carry it in Detail.
	if e.Detail == "" && e.Err != nil {
		e.Detail = e.Err.Error()
	}
	return Outcome{OK: false, Error: &e, RunID: runID}
}
