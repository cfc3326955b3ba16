package pubsub

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash"
	"reflect"
	"unicode"
	"unicode/utf8"

	"golang.org/x/crypto/sha3"
)

// typeInfo is what a service knows about its payload type.
type typeInfo struct {
	name      string
	size      uintptr
	align     uintptr
	signature string
}

func inspect[T any](userHeaderSize int) (typeInfo, error) {
	t := reflect.TypeOf((*T)(nil)).Elem()
	if err := checkFixedLayout(t, t.String()); err != nil {
		return typeInfo{}, err
	}
	h := sha3.New256()
	writeString(h, t.String())
	writeUint(h, uint64(userHeaderSize))
	writeLayout(h, t)
	return typeInfo{
		name:      t.String(),
		size:      t.Size(),
		align:     uintptr(t.Align()),
		signature: hex.EncodeToString(h.Sum(nil)),
	}, nil
}

// checkFixedLayout rejects types whose values point outside themselves; another process
// could not follow those pointers.
func checkFixedLayout(t reflect.Type, path string) error {
	switch t.Kind() {
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64, reflect.Complex64, reflect.Complex128:
		return nil
	case reflect.Array:
		return checkFixedLayout(t.Elem(), path+"[]")
	case reflect.Struct:
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if err := checkFixedLayout(f.Type, path+"."+f.Name); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("%w: %s is a %s", ErrInvalidPayloadType, path, t.Kind())
	}
}

func writeLayout(h hash.Hash, t reflect.Type) {
	writeUint(h, uint64(t.Kind()))
	writeUint(h, uint64(t.Size()))
	writeUint(h, uint64(t.Align()))
	switch t.Kind() {
	case reflect.Array:
		writeUint(h, uint64(t.Len()))
		writeLayout(h, t.Elem())
	case reflect.Struct:
		writeUint(h, uint64(t.NumField()))
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			writeString(h, f.Name)
			writeUint(h, uint64(f.Offset))
			writeLayout(h, f.Type)
		}
	}
}

func writeUint(h hash.Hash, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	_, _ = h.Write(b[:])
}

func writeString(h hash.Hash, s string) {
	writeUint(h, uint64(len(s)))
	_, _ = h.Write([]byte(s))
}

func validateServiceName(name string) error {
	if name == "" || len(name) > maxServiceNameLen {
		return fmt.Errorf("%w: length %d not within [1,%d]", ErrInvalidServiceName, len(name), maxServiceNameLen)
	}
	if !utf8.ValidString(name) {
		return fmt.Errorf("%w: %q is not valid UTF-8", ErrInvalidServiceName, name)
	}
	for _, r := range name {
		if !unicode.IsPrint(r) {
			return fmt.Errorf("%w: %q contains %U", ErrInvalidServiceName, name, r)
		}
	}
	return nil
}
