package vigil

import (
	"io/fs"
	"os"

	"github.com/bytedance/sonic"
	"github.com/pkg/errors"
)

// Encoder serializes the JSON sidecar files kept next to the vault
// (checkpoints, audit logs, health and status snapshots).
type Encoder interface {
	// Encode serializes a value to bytes.
	Encode(any) ([]byte, error)
	// Decode deserializes bytes to a value.
	Decode([]byte, any) error
}

// JSONEncoder is the default Encoder. It uses sonic in its standard-library
// compatible mode and indents output so the files stay readable when a human
// opens the vault.
type JSONEncoder struct{}

// Encode serializes v to indented JSON.
func (*JSONEncoder) Encode(v any) ([]byte, error) {
	return sonic.ConfigStd.MarshalIndent(v, "", "  ")
}

// Decode deserializes JSON bytes into v.
func (*JSONEncoder) Decode(data []byte, v any) error {
	return sonic.ConfigStd.Unmarshal(data, v)
}

var defaultEncoder Encoder = &JSONEncoder{}

// WriteJSONFile encodes v and atomically replaces path with the result.
func WriteJSONFile(enc Encoder, path string, v any) error {
	data, err := enc.Encode(v)
	if err != nil {
		return errors.Wrapf(err, "vigil: encode %s", path)
	}
	return writeFileAtomic(path, data)
}

// ReadJSONFile decodes the file at path into v. A missing or empty file
// leaves v untouched and reports false.
func ReadJSONFile(enc Encoder, path string, v any) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, errors.Wrapf(err, "vigil: read %s", path)
	}
	if len(data) == 0 {
		return false, nil
	}
	if err := enc.Decode(data, v); err != nil {
		return false, errors.Wrapf(ErrCorruptFile, "decode %s: %v", path, err)
	}
	return true, nil
}
