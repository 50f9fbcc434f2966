package splatfile

import (
	"encoding/binary"
	"fmt"
	"sort"
)

// SceneInfoVersion is the on-disk version of the scene info payload.
const SceneInfoVersion uint32 = 1

// EncodeSceneInfo encodes string metadata as a sorted list of
// length-prefixed key/value pairs: u32 count, then per pair u32 key length,
// key, u32 value length, value.
func EncodeSceneInfo(kv map[string]string) []byte {
	keys := make([]string, 0, len(kv))
	size := 4
	for k, v := range kv {
		keys = append(keys, k)
		size += 8 + len(k) + len(v)
	}
	sort.Strings(keys)

	out := make([]byte, 0, size)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(keys)))
	for _, k := range keys {
		out = binary.LittleEndian.AppendUint32(out, uint32(len(k)))
		out = append(out, k...)
		out = binary.LittleEndian.AppendUint32(out, uint32(len(kv[k])))
		out = append(out, kv[k]...)
	}
	return out
}

// ParseSceneInfo decodes a scene info payload.
func ParseSceneInfo(b []byte) (map[string]string, error) {
	next := func() (string, bool) {
		if len(b) < 4 {
			return "", false
		}
		n := uint64(binary.LittleEndian.Uint32(b))
		b = b[4:]
		if n > uint64(len(b)) {
			return "", false
		}
		s := string(b[:n])
		b = b[n:]
		return s, true
	}
	if len(b) < 4 {
		return nil, fmt.Errorf("%w: short scene info", ErrCorruptFile)
	}
	count := binary.LittleEndian.Uint32(b)
	b = b[4:]
	kv := make(map[string]string, min(int(count), 64))
	for range count {
		k, ok := next()
		if !ok {
			return nil, fmt.Errorf("%w: truncated scene info", ErrCorruptFile)
		}
		v, ok := next()
		if !ok {
			return nil, fmt.Errorf("%w: truncated scene info", ErrCorruptFile)
		}
		kv[k] = v
	}
	return kv, nil
}
