// Package integrity fingerprints application specs. A client that registers
// a changed spec under an existing slug and version is detected by comparing
// fingerprints. All functions are pure and deterministic.
package integrity

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/qcrbox/qcrbox/internal/model"
)

// fingerprintPrefix versions the fingerprint format.
const fingerprintPrefix = "v1:"

// Fingerprint is the Merkle root over an application's header and commands,
// together with the leaf hashes it was built from.
type Fingerprint struct {
	Root     string
	Header   string
	Commands map[string]string
}

// String returns the versioned root, e.g. "v1:3f9a...".
func (f Fingerprint) String() string {
	return fingerprintPrefix + f.Root
}

// Of computes the fingerprint of spec. Command order does not matter; every
// other field does.
func Of(spec *model.ApplicationSpec) (Fingerprint, error) {
	header := *spec
	header.Commands = nil
	headerJSON, err := canonicalJSON(header)
	if err != nil {
		return Fingerprint{}, fmt.Errorf("integrity: application %s: %w", spec.Key(), err)
	}

	fp := Fingerprint{
		Header:   leafHash("application", headerJSON),
		Commands: make(map[string]string, len(spec.Commands)),
	}
	names := make([]string, 0, len(spec.Commands))
	for _, c := range spec.Commands {
		raw, err := model.MarshalCommandSpec(c)
		if err != nil {
			return Fingerprint{}, fmt.Errorf("integrity: command %q: %w", c.CommandName(), err)
		}
		canon, err := canonicalJSON(json.RawMessage(raw))
		if err != nil {
			return Fingerprint{}, fmt.Errorf("integrity: command %q: %w", c.CommandName(), err)
		}
		fp.Commands[c.CommandName()] = leafHash(c.CommandName(), canon)
		names = append(names, c.CommandName())
	}
	slices.Sort(names)

	leaves := make([]string, 0, len(names)+1)
	leaves = append(leaves, fp.Header)
	for _, n := range names {
		leaves = append(leaves, fp.Commands[n])
	}
	fp.Root = BuildMerkleRoot(leaves)
	return fp, nil
}

// Diff reports whether the application header differs and which commands
// were added, removed or changed between a and b, sorted by name.
func Diff(a, b Fingerprint) (headerChanged bool, commands []string) {
	headerChanged = a.Header != b.Header
	for name, h := range a.Commands {
		if b.Commands[name] != h {
			commands = append(commands, name)
		}
	}
	for name := range b.Commands {
		if _, ok := a.Commands[name]; !ok {
			commands = append(commands, name)
		}
	}
	slices.Sort(commands)
	return headerChanged, commands
}

// canonicalJSON re-encodes v through a generic value so that object keys
// come out sorted.
func canonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return json.Marshal(generic)
}

// leafHash produces SHA-256(0x00 || len(name) || name || len(body) || body).
// The 0x00 prefix separates leaves from internal nodes.
func leafHash(name string, body []byte) string {
	h := sha256.New()
	h.Write([]byte{0x00})
	writeField := func(b []byte) {
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b))) //nolint:gosec // specs are bounded by the bus message size
		h.Write(lenBuf[:])
		h.Write(b)
	}
	writeField([]byte(name))
	writeField(body)
	return hex.EncodeToString(h.Sum(nil))
}

// hashPair produces SHA-256(0x01 || a || b) as a hex string.
// The 0x01 prefix is a domain separator for internal Merkle tree nodes (per RFC 6962),
// ensuring internal node hashes can never collide with leaf hashes.
func hashPair(a, b string) string {
	h := sha256.New()
	h.Write([]byte{0x01})
	h.Write([]byte(a))
	h.Write([]byte(b))
	return hex.EncodeToString(h.Sum(nil))
}

// BuildMerkleRoot constructs a Merkle tree from leaf hashes and returns the root.
// If leaves is empty, returns an empty string.
// If leaves has one element, the root is that element.
// Odd-length levels hash the last node with itself.
func BuildMerkleRoot(leaves []string) string {
	if len(leaves) == 0 {
		return ""
	}
	if len(leaves) == 1 {
		return leaves[0]
	}

	level := make([]string, len(leaves))
	copy(level, leaves)

	for len(level) > 1 {
		var next []string
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, hashPair(level[i], level[i+1]))
			} else {
				next = append(next, hashPair(level[i], level[i]))
			}
		}
		level = next
	}

	return level[0]
}
