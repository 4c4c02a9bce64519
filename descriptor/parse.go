package descriptor

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
)

// Parse parses a single-key output descriptor, verifying its checksum if
// present and computing one if absent.
func Parse(raw string, params *chaincfg.Params) (*Descriptor, error) {
	body := raw
	var checksum string

	if idx := strings.IndexByte(raw, '#'); idx >= 0 {
		body = raw[:idx]
		checksum = raw[idx+1:]
		want, err := Checksum(body)
		if err != nil {
			return nil, err
		}
		if checksum != want {
			return nil, fmt.Errorf("descriptor: checksum mismatch: got %s, want %s", checksum, want)
		}
	} else {
		var err error
		checksum, err = Checksum(body)
		if err != nil {
			return nil, err
		}
	}

	kind, inner, err := splitKind(body)
	if err != nil {
		return nil, err
	}

	fingerprint, originSteps, rest, err := splitOrigin(inner)
	if err != nil {
		return nil, err
	}

	keyStr, pathStr, err := splitKeyAndPath(rest)
	if err != nil {
		return nil, err
	}
	pathSteps, err := parsePathSteps(pathStr, true)
	if err != nil {
		return nil, err
	}

	extKey, err := hdkeychain.NewKeyFromString(keyStr)
	if err != nil {
		return nil, fmt.Errorf("descriptor: parse extended key: %w", err)
	}

	return &Descriptor{
		Kind:        kind,
		Params:      params,
		Fingerprint: fingerprint,
		originPath:  originSteps,
		Key:         extKey,
		IsPrivate:   extKey.IsPrivate(),
		path:        pathSteps,
		checksum:    checksum,
	}, nil
}

func splitKind(body string) (Kind, string, error) {
	idx := strings.IndexByte(body, '(')
	if idx < 0 || !strings.HasSuffix(body, ")") {
		return "", "", fmt.Errorf("descriptor: malformed descriptor %q", body)
	}
	kind := Kind(body[:idx])
	switch kind {
	case KindWPKH, KindTR:
	default:
		return "", "", fmt.Errorf("descriptor: unsupported script type %q", kind)
	}
	return kind, body[idx+1 : len(body)-1], nil
}

func splitOrigin(inner string) (fingerprint string, originSteps []step, rest string, err error) {
	if !strings.HasPrefix(inner, "[") {
		return "", nil, inner, nil
	}
	end := strings.IndexByte(inner, ']')
	if end < 0 {
		return "", nil, "", fmt.Errorf("descriptor: unterminated origin in %q", inner)
	}
	origin := inner[1:end]
	rest = inner[end+1:]

	parts := strings.SplitN(origin, "/", 2)
	fingerprint = parts[0]
	if len(fingerprint) != 8 {
		return "", nil, "", fmt.Errorf("descriptor: invalid origin fingerprint %q", fingerprint)
	}
	var pathStr string
	if len(parts) > 1 {
		pathStr = parts[1]
	}
	originSteps, err = parsePathSteps(pathStr, false)
	if err != nil {
		return "", nil, "", err
	}
	return fingerprint, originSteps, rest, nil
}

func splitKeyAndPath(rest string) (key, path string, err error) {
	idx := strings.IndexByte(rest, '/')
	if idx < 0 {
		return rest, "", nil
	}
	return rest[:idx], rest[idx+1:], nil
}

// parsePathSteps parses a "/"-joined path like "0h/0h/0h" or "0/*". Only
// the trailing (key-derivation) path may contain the range wildcard.
func parsePathSteps(s string, allowWildcard bool) ([]step, error) {
	if s == "" {
		return nil, nil
	}
	segs := strings.Split(s, "/")
	steps := make([]step, 0, len(segs))
	for _, seg := range segs {
		if seg == "*" {
			if !allowWildcard {
				return nil, fmt.Errorf("descriptor: wildcard not allowed in origin path")
			}
			steps = append(steps, step{wildcard: true})
			continue
		}
		hardened := false
		numStr := seg
		if strings.HasSuffix(seg, "'") || strings.HasSuffix(seg, "h") || strings.HasSuffix(seg, "H") {
			hardened = true
			numStr = seg[:len(seg)-1]
		}
		n, err := strconv.ParseUint(numStr, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("descriptor: invalid path component %q: %w", seg, err)
		}
		steps = append(steps, step{index: uint32(n), hardened: hardened})
	}
	return steps, nil
}
