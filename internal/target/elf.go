package target

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/diagcollect/diagcollect/internal/core"
)

// FileClass is the result of magic-byte classification of a candidate
// target file.
type FileClass int

const (
	ClassUnknown FileClass = iota
	ClassExecutable
	ClassCore
)

// Classify inspects a file's ELF header and reports whether it is a
// core dump, an executable, or neither.
func Classify(path string) (FileClass, error) {
	f, err := elf.Open(path)
	if err != nil {
		if _, statErr := os.Stat(path); statErr != nil {
			return ClassUnknown, core.ErrUsage("TARGET_NOT_FOUND",
				fmt.Sprintf("cannot read %s", path)).WithCause(statErr)
		}
		return ClassUnknown, nil
	}
	defer f.Close()

	switch f.Type {
	case elf.ET_CORE:
		return ClassCore, nil
	case elf.ET_EXEC, elf.ET_DYN:
		return ClassExecutable, nil
	default:
		return ClassUnknown, nil
	}
}

// ntFile is the note type carrying the mapped-file table in a core.
const ntFile = 0x46494c45 // "FILE"

// coreMappedFiles parses the NT_FILE note of a core dump and returns
// the file-backed mapping paths plus the path of the main executable
// (the file mapped at the lowest address, by kernel convention the
// program itself).
func coreMappedFiles(corePath string) (files []string, exe string, err error) {
	f, err := elf.Open(corePath)
	if err != nil {
		return nil, "", err
	}
	defer f.Close()

	if f.Type != elf.ET_CORE {
		return nil, "", fmt.Errorf("%s: not a core file", corePath)
	}

	byteOrder := f.ByteOrder
	wordSize := 8
	if f.Class == elf.ELFCLASS32 {
		wordSize = 4
	}

	for _, prog := range f.Progs {
		if prog.Type != elf.PT_NOTE {
			continue
		}
		data, readErr := io.ReadAll(prog.Open())
		if readErr != nil {
			return nil, "", readErr
		}
		files, exe, err = parseFileNote(data, byteOrder, wordSize)
		if err == nil && len(files) > 0 {
			return files, exe, nil
		}
	}
	return nil, "", fmt.Errorf("%s: no NT_FILE note found", corePath)
}

// parseFileNote walks a PT_NOTE segment looking for the NT_FILE entry.
// Note records are a (namesz, descsz, type) header followed by name and
// descriptor, each padded to 4-byte alignment.
func parseFileNote(data []byte, order binary.ByteOrder, wordSize int) ([]string, string, error) {
	for len(data) >= 12 {
		namesz := order.Uint32(data[0:4])
		descsz := order.Uint32(data[4:8])
		noteType := order.Uint32(data[8:12])
		data = data[12:]

		nameLen := align4(int(namesz))
		descLen := align4(int(descsz))
		if nameLen+descLen > len(data) {
			return nil, "", fmt.Errorf("truncated note segment")
		}
		desc := data[nameLen : nameLen+int(descsz)]
		data = data[nameLen+descLen:]

		if noteType != ntFile {
			continue
		}
		return decodeFileDesc(desc, order, wordSize)
	}
	return nil, "", fmt.Errorf("no NT_FILE note in segment")
}

// decodeFileDesc unpacks the NT_FILE descriptor: a count and page size,
// count*(start,end,offset) triples, then NUL-terminated path strings.
func decodeFileDesc(desc []byte, order binary.ByteOrder, wordSize int) ([]string, string, error) {
	readWord := func(b []byte) uint64 {
		if wordSize == 4 {
			return uint64(order.Uint32(b))
		}
		return order.Uint64(b)
	}

	if len(desc) < 2*wordSize {
		return nil, "", fmt.Errorf("short NT_FILE descriptor")
	}
	count := readWord(desc[0:wordSize])
	// Bound the claimed entry count by what the descriptor can actually
	// hold before any arithmetic on it; a corrupt count large enough to
	// overflow the table length must not reach the slicing below.
	if count > uint64((len(desc)-2*wordSize)/(3*wordSize)) {
		return nil, "", fmt.Errorf("NT_FILE table exceeds descriptor")
	}
	tableLen := 2*wordSize + int(count)*3*wordSize

	var lowestStart uint64
	lowestIdx := -1
	for i := 0; i < int(count); i++ {
		off := 2*wordSize + i*3*wordSize
		start := readWord(desc[off : off+wordSize])
		if lowestIdx < 0 || start < lowestStart {
			lowestStart = start
			lowestIdx = i
		}
	}

	names := desc[tableLen:]
	seen := make(map[string]bool)
	var files []string
	var exe string
	for i := 0; i < int(count); i++ {
		end := bytes.IndexByte(names, 0)
		if end < 0 {
			break
		}
		name := string(names[:end])
		names = names[end+1:]
		if name != "" && !seen[name] {
			seen[name] = true
			files = append(files, name)
		}
		if i == lowestIdx {
			exe = name
		}
	}
	if len(files) == 0 {
		return nil, "", fmt.Errorf("NT_FILE note lists no files")
	}
	return files, exe, nil
}

func align4(n int) int {
	return (n + 3) &^ 3
}
