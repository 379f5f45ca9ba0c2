package target

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// buildFileDesc assembles an NT_FILE descriptor: count, pagesize,
// (start,end,offset) triples and NUL-terminated path names.
func buildFileDesc(t *testing.T, wordSize int, entries []struct {
	start uint64
	path  string
}) []byte {
	t.Helper()
	var buf bytes.Buffer
	word := func(v uint64) {
		if wordSize == 4 {
			require.NoError(t, binary.Write(&buf, binary.LittleEndian, uint32(v)))
			return
		}
		require.NoError(t, binary.Write(&buf, binary.LittleEndian, v))
	}
	word(uint64(len(entries))) // count
	word(4096)                 // page size
	for _, e := range entries {
		word(e.start)
		word(e.start + 0x1000)
		word(0)
	}
	for _, e := range entries {
		buf.WriteString(e.path)
		buf.WriteByte(0)
	}
	return buf.Bytes()
}

func TestDecodeFileDescFindsExecutableAtLowestAddress(t *testing.T) {
	desc := buildFileDesc(t, 8, []struct {
		start uint64
		path  string
	}{
		{0x7f0000000000, "/usr/lib/libc.so.6"},
		{0x400000, "/opt/app/server"},
		{0x7f0000200000, "/usr/lib/libssl.so.3"},
	})

	files, exe, err := decodeFileDesc(desc, binary.LittleEndian, 8)
	require.NoError(t, err)
	require.Equal(t, "/opt/app/server", exe)
	require.Equal(t, []string{
		"/usr/lib/libc.so.6",
		"/opt/app/server",
		"/usr/lib/libssl.so.3",
	}, files)
}

func TestDecodeFileDescDeduplicatesSplitMappings(t *testing.T) {
	// The kernel records one entry per mapping, so a library with
	// separate text and data mappings appears twice.
	desc := buildFileDesc(t, 8, []struct {
		start uint64
		path  string
	}{
		{0x400000, "/opt/app/server"},
		{0x7f0000000000, "/usr/lib/libc.so.6"},
		{0x7f0000100000, "/usr/lib/libc.so.6"},
	})

	files, exe, err := decodeFileDesc(desc, binary.LittleEndian, 8)
	require.NoError(t, err)
	require.Equal(t, "/opt/app/server", exe)
	require.Equal(t, []string{"/opt/app/server", "/usr/lib/libc.so.6"}, files)
}

func TestDecodeFileDesc32BitWords(t *testing.T) {
	desc := buildFileDesc(t, 4, []struct {
		start uint64
		path  string
	}{
		{0x08048000, "/bin/legacy"},
	})

	files, exe, err := decodeFileDesc(desc, binary.LittleEndian, 4)
	require.NoError(t, err)
	require.Equal(t, "/bin/legacy", exe)
	require.Equal(t, []string{"/bin/legacy"}, files)
}

func TestDecodeFileDescRejectsTruncation(t *testing.T) {
	desc := buildFileDesc(t, 8, []struct {
		start uint64
		path  string
	}{
		{0x400000, "/opt/app/server"},
	})

	_, _, err := decodeFileDesc(desc[:8], binary.LittleEndian, 8)
	require.Error(t, err)

	// Claimed count larger than the descriptor holds.
	binary.LittleEndian.PutUint64(desc[0:8], 100)
	_, _, err = decodeFileDesc(desc, binary.LittleEndian, 8)
	require.Error(t, err)
}

func TestDecodeFileDescRejectsOverflowingCount(t *testing.T) {
	// A corrupt count chosen so the naive table-length arithmetic wraps
	// negative must error out, not slice past the descriptor.
	desc := make([]byte, 32)
	binary.LittleEndian.PutUint64(desc[0:8], 1<<60)
	binary.LittleEndian.PutUint64(desc[8:16], 4096)

	require.NotPanics(t, func() {
		_, _, err := decodeFileDesc(desc, binary.LittleEndian, 8)
		require.Error(t, err)
	})

	desc32 := make([]byte, 16)
	binary.LittleEndian.PutUint32(desc32[0:4], 1<<30)
	binary.LittleEndian.PutUint32(desc32[4:8], 4096)

	require.NotPanics(t, func() {
		_, _, err := decodeFileDesc(desc32, binary.LittleEndian, 4)
		require.Error(t, err)
	})
}

func TestResolvePostMortemSurvivesCorruptFileNote(t *testing.T) {
	desc := make([]byte, 32)
	binary.LittleEndian.PutUint64(desc[0:8], 1<<60)
	binary.LittleEndian.PutUint64(desc[8:16], 4096)
	corePath := writeMinimalCore(t, buildNote(ntFile, desc))

	require.NotPanics(t, func() {
		_, err := ResolvePostMortem(corePath)
		require.Error(t, err, "no executable is recoverable from a corrupt note")
	})
}

// buildNote wraps a descriptor in a note record with the standard
// "CORE\0" name and 4-byte alignment padding.
func buildNote(noteType uint32, desc []byte) []byte {
	var buf bytes.Buffer
	name := []byte("CORE\x00")
	binary.Write(&buf, binary.LittleEndian, uint32(len(name)))
	binary.Write(&buf, binary.LittleEndian, uint32(len(desc)))
	binary.Write(&buf, binary.LittleEndian, noteType)
	buf.Write(name)
	buf.Write(make([]byte, align4(len(name))-len(name)))
	buf.Write(desc)
	buf.Write(make([]byte, align4(len(desc))-len(desc)))
	return buf.Bytes()
}

func TestParseFileNoteSkipsForeignNotes(t *testing.T) {
	desc := buildFileDesc(t, 8, []struct {
		start uint64
		path  string
	}{
		{0x400000, "/opt/app/server"},
	})

	var segment bytes.Buffer
	segment.Write(buildNote(1, []byte{1, 2, 3, 4, 5})) // NT_PRSTATUS, ignored
	segment.Write(buildNote(ntFile, desc))

	files, exe, err := parseFileNote(segment.Bytes(), binary.LittleEndian, 8)
	require.NoError(t, err)
	require.Equal(t, "/opt/app/server", exe)
	require.Len(t, files, 1)
}

func TestParseFileNoteErrorsWithoutFileNote(t *testing.T) {
	segment := buildNote(1, []byte{1, 2, 3, 4})
	_, _, err := parseFileNote(segment, binary.LittleEndian, 8)
	require.Error(t, err)
}

func TestClassifyExecutable(t *testing.T) {
	exe, err := os.Executable()
	require.NoError(t, err)

	class, err := Classify(exe)
	require.NoError(t, err)
	require.Equal(t, ClassExecutable, class)
}

func TestClassifyNonElf(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("plain text, not a dump"), 0o644))

	class, err := Classify(path)
	require.NoError(t, err)
	require.Equal(t, ClassUnknown, class)
}

func TestClassifyMissingFile(t *testing.T) {
	_, err := Classify(filepath.Join(t.TempDir(), "absent"))
	require.Error(t, err)
}

func TestClassifyCore(t *testing.T) {
	path := writeMinimalCore(t, nil)
	class, err := Classify(path)
	require.NoError(t, err)
	require.Equal(t, ClassCore, class)
}

func TestCoreMappedFilesRoundTrip(t *testing.T) {
	desc := buildFileDesc(t, 8, []struct {
		start uint64
		path  string
	}{
		{0x7f0000000000, "/usr/lib/libm.so.6"},
		{0x400000, "/srv/daemon"},
	})
	path := writeMinimalCore(t, buildNote(ntFile, desc))

	files, exe, err := coreMappedFiles(path)
	require.NoError(t, err)
	require.Equal(t, "/srv/daemon", exe)
	require.Equal(t, []string{"/usr/lib/libm.so.6", "/srv/daemon"}, files)
}

func TestCoreMappedFilesNoNote(t *testing.T) {
	path := writeMinimalCore(t, nil)
	_, _, err := coreMappedFiles(path)
	require.Error(t, err)
}

// writeMinimalCore emits a 64-bit little-endian ET_CORE file with a
// single PT_NOTE segment holding the given note bytes.
func writeMinimalCore(t *testing.T, note []byte) string {
	t.Helper()

	const (
		ehSize = 64
		phSize = 56
	)
	noteOff := uint64(ehSize + phSize)

	var buf bytes.Buffer

	// ELF header.
	buf.Write([]byte{0x7f, 'E', 'L', 'F', 2, 1, 1, 0}) // 64-bit, little-endian, SYSV
	buf.Write(make([]byte, 8))                          // padding
	le := binary.LittleEndian
	binary.Write(&buf, le, uint16(4))        // e_type = ET_CORE
	binary.Write(&buf, le, uint16(0x3e))     // e_machine = EM_X86_64
	binary.Write(&buf, le, uint32(1))        // e_version
	binary.Write(&buf, le, uint64(0))        // e_entry
	binary.Write(&buf, le, uint64(ehSize))   // e_phoff
	binary.Write(&buf, le, uint64(0))        // e_shoff
	binary.Write(&buf, le, uint32(0))        // e_flags
	binary.Write(&buf, le, uint16(ehSize))   // e_ehsize
	binary.Write(&buf, le, uint16(phSize))   // e_phentsize
	binary.Write(&buf, le, uint16(1))        // e_phnum
	binary.Write(&buf, le, uint16(0))        // e_shentsize
	binary.Write(&buf, le, uint16(0))        // e_shnum
	binary.Write(&buf, le, uint16(0))        // e_shstrndx

	// Program header: one PT_NOTE segment.
	binary.Write(&buf, le, uint32(4))                // p_type = PT_NOTE
	binary.Write(&buf, le, uint32(4))                // p_flags = PF_R
	binary.Write(&buf, le, noteOff)                  // p_offset
	binary.Write(&buf, le, uint64(0))                // p_vaddr
	binary.Write(&buf, le, uint64(0))                // p_paddr
	binary.Write(&buf, le, uint64(len(note)))        // p_filesz
	binary.Write(&buf, le, uint64(len(note)))        // p_memsz
	binary.Write(&buf, le, uint64(4))                // p_align

	buf.Write(note)

	path := filepath.Join(t.TempDir(), "core.1234")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o600))
	return path
}
