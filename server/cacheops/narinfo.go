package cacheops

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
)

// NarInfo is the signed metadata record a binary cache stores alongside each
// NAR body: the hash/size pair that lets a consumer verify the download, the
// store path's dependency closure, and zero or more Ed25519 signatures over
// a canonical fingerprint of the path. Grounded on original_source's
// binary-cache crate's NarInfo type and its StorePath/URL/Compression/...
// text rendering.
type NarInfo struct {
	StorePath   string
	URL         string
	Compression string
	FileHash    string
	FileSize    int64
	NarHash     string
	NarSize     int64
	References  []string
	Deriver     string
	CA          string
	Sigs        []string
}

// narURL builds the "nar/<hash>.<ext>" URL a NarInfo's body lives at, using
// the nix32 hash (stripped of its "sha256:" prefix) as the stable filename.
func narURL(narHash nix32Hash, compression string) string {
	return fmt.Sprintf("nar/%s.%s", narHash.withoutPrefix(), compressionExt(compression))
}

type nix32Hash string

func (h nix32Hash) withoutPrefix() string {
	return strings.TrimPrefix(string(h), "sha256:")
}

func compressionExt(compression string) string {
	switch compression {
	case "", "none":
		return "nar"
	case "xz":
		return "nar.xz"
	case "bz2":
		return "nar.bz2"
	case "zstd":
		return "nar.zst"
	case "brotli":
		return "nar.br"
	default:
		return "nar." + compression
	}
}

// NewNarInfo builds the unsigned NarInfo record for a freshly-uploaded
// output. The caller fills in FileHash/FileSize once the compressed body has
// actually been written, then calls Sign before PutNarInfo.
func NewNarInfo(storePath, narHash string, narSize int64, references []string, deriver, ca, compression string) *NarInfo {
	return &NarInfo{
		StorePath:   storePath,
		URL:         narURL(nix32Hash(narHash), compression),
		Compression: compression,
		NarHash:     narHash,
		NarSize:     narSize,
		References:  references,
		Deriver:     deriver,
		CA:          ca,
	}
}

// LsPath returns the key the optional .ls directory listing for this path is
// stored under, keyed by the store path's hash part rather than its full
// name, the same key scheme as the path's .narinfo record.
func (n *NarInfo) LsPath() string {
	hashPart, _, _ := splitStorePath(n.StorePath)
	return hashPart + ".ls"
}

// Fingerprint computes the canonical string Ed25519 signatures are computed
// over: "1;<abs path>;<nar hash>;<nar size>;<comma-joined references>". It
// returns false if any precondition fails (path not under storeDir, hash not
// a 59-byte "sha256:..." string) - such a NarInfo cannot be signed.
func (n *NarInfo) Fingerprint(storeDir string) (string, bool) {
	if !strings.HasPrefix(n.StorePath, storeDir) {
		return "", false
	}
	if !strings.HasPrefix(n.NarHash, "sha256:") || len(n.NarHash) != 59 {
		return "", false
	}
	for _, ref := range n.References {
		if !strings.HasPrefix(ref, storeDir) {
			return "", false
		}
	}
	return fmt.Sprintf("1;%s;%s;%d;%s", n.StorePath, n.NarHash, n.NarSize, strings.Join(n.References, ",")), true
}

// Sign clears any existing signatures and, if a fingerprint can be computed,
// appends one signature per configured key. A NarInfo that fails the
// fingerprint preconditions is left unsigned rather than erroring: Nix
// treats an unsigned NarInfo as untrusted, not invalid.
func (n *NarInfo) Sign(storeDir string, keys []*SigningKey) {
	n.Sigs = nil
	fp, ok := n.Fingerprint(storeDir)
	if !ok {
		return
	}
	for _, k := range keys {
		n.Sigs = append(n.Sigs, k.Sign(fp))
	}
}

// Render produces the plain-text wire format written to <hash>.narinfo.
func (n *NarInfo) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "StorePath: %s\n", n.StorePath)
	fmt.Fprintf(&b, "URL: %s\n", n.URL)
	fmt.Fprintf(&b, "Compression: %s\n", n.Compression)
	if n.FileHash != "" {
		fmt.Fprintf(&b, "FileHash: %s\n", n.FileHash)
	}
	if n.FileSize != 0 {
		fmt.Fprintf(&b, "FileSize: %d\n", n.FileSize)
	}
	fmt.Fprintf(&b, "NarHash: %s\n", n.NarHash)
	fmt.Fprintf(&b, "NarSize: %d\n", n.NarSize)
	fmt.Fprintf(&b, "References: %s\n", strings.Join(baseNames(n.References), " "))
	if n.Deriver != "" {
		fmt.Fprintf(&b, "Deriver: %s\n", baseName(n.Deriver))
	}
	if n.CA != "" {
		fmt.Fprintf(&b, "CA: %s\n", n.CA)
	}
	for _, sig := range n.Sigs {
		fmt.Fprintf(&b, "Sig: %s\n", sig)
	}
	return b.String()
}

// ParseNarInfo parses the plain-text format Render produces back into a
// NarInfo, as when reading one an upstream cache already wrote.
func ParseNarInfo(input string) (*NarInfo, error) {
	out := &NarInfo{}
	var haveStorePath, haveURL, haveCompression, haveNarHash, haveNarSize bool
	for lineNo, rawLine := range strings.Split(input, "\n") {
		line := strings.TrimSpace(rawLine)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("error parsing narinfo line %d: expected \"Key: value\"", lineNo+1)
		}
		key = strings.TrimSpace(key)
		val = strings.TrimSuffix(strings.TrimPrefix(val, " "), "")
		switch key {
		case "StorePath":
			out.StorePath = val
			haveStorePath = true
		case "URL":
			out.URL = val
			haveURL = true
		case "Compression":
			out.Compression = val
			haveCompression = true
		case "FileHash":
			out.FileHash = val
		case "FileSize":
			n, err := strconv.ParseInt(val, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("error parsing narinfo FileSize: %w", err)
			}
			out.FileSize = n
		case "NarHash":
			out.NarHash = val
			haveNarHash = true
		case "NarSize":
			n, err := strconv.ParseInt(val, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("error parsing narinfo NarSize: %w", err)
			}
			out.NarSize = n
			haveNarSize = true
		case "References":
			if val != "" {
				out.References = strings.Fields(val)
			}
		case "Deriver":
			out.Deriver = val
		case "CA":
			out.CA = val
		case "Sig":
			if val != "" {
				out.Sigs = append(out.Sigs, val)
			}
		}
	}
	switch {
	case !haveStorePath:
		return nil, fmt.Errorf("error narinfo missing required field StorePath")
	case !haveURL:
		return nil, fmt.Errorf("error narinfo missing required field URL")
	case !haveCompression:
		return nil, fmt.Errorf("error narinfo missing required field Compression")
	case !haveNarHash:
		return nil, fmt.Errorf("error narinfo missing required field NarHash")
	case !haveNarSize:
		return nil, fmt.Errorf("error narinfo missing required field NarSize")
	}
	return out, nil
}

func splitStorePath(path string) (hashPart, name string, ok bool) {
	base := path
	if idx := strings.LastIndex(path, "/"); idx >= 0 {
		base = path[idx+1:]
	}
	hash, name, found := strings.Cut(base, "-")
	return hash, name, found
}

func baseName(path string) string {
	if idx := strings.LastIndex(path, "/"); idx >= 0 {
		return path[idx+1:]
	}
	return path
}

func baseNames(paths []string) []string {
	out := make([]string, len(paths))
	for i, p := range paths {
		out[i] = baseName(p)
	}
	return out
}

// SigningKey is a single Nix-format Ed25519 secret key: "<name>:<base64 sk>".
// A PutNarInfo call signs the fingerprint once per configured key and
// prefixes each resulting signature with the same name, as Nix substituters
// expect when matching a signature against a trusted-public-keys list.
type SigningKey struct {
	Name       string
	PrivateKey ed25519.PrivateKey
}

// ParseSigningKey parses the secret-key/secret-keys config option values:
// a colon-separated name and base64-encoded 64-byte Ed25519 private key.
func ParseSigningKey(raw string) (*SigningKey, error) {
	name, encoded, ok := strings.Cut(raw, ":")
	if !ok || name == "" || encoded == "" {
		return nil, fmt.Errorf("error signing key must be \"<name>:<base64 key>\"")
	}
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("error decoding signing key %q: %w", name, err)
	}
	if len(decoded) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("error signing key %q has %d bytes, want %d", name, len(decoded), ed25519.PrivateKeySize)
	}
	return &SigningKey{Name: name, PrivateKey: ed25519.PrivateKey(decoded)}, nil
}

// Sign returns "<name>:<base64 signature>" over fingerprint, the format Nix
// writes to a narinfo's Sig lines.
func (k *SigningKey) Sign(fingerprint string) string {
	sig := ed25519.Sign(k.PrivateKey, []byte(fingerprint))
	return k.Name + ":" + base64.StdEncoding.EncodeToString(sig)
}
