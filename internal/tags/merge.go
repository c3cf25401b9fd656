package tags

import (
	"bytes"
	"os"
	"path/filepath"
)

var (
	viHeaderPrefix = []byte("!_TAG_")
	viSortedPrefix = []byte("!_TAG_FILE_SORTED\t")
)

// Merge returns own followed by the content of each dependency tags file, in
// the given order. Duplicate entries are kept: editors offer every match.
//
// For vi tags the dependency header lines are dropped and, once anything was
// appended, the own header is changed to declare the file unsorted. Emacs
// tags are self-delimiting sections and are concatenated as they are.
func Merge(own *Buffer, deps []string) (*Buffer, error) {
	depData := make([][]byte, 0, len(deps))
	for _, dep := range deps {
		data, err := os.ReadFile(dep)
		if err != nil {
			return nil, ioErr("read", dep, err)
		}
		depData = append(depData, data)
	}

	var out bytes.Buffer
	if own.Kind() == KindEmacs {
		out.Write(own.Bytes())
		for _, data := range depData {
			out.Write(data)
		}
		return NewBuffer(KindEmacs, out.Bytes()), nil
	}

	var body bytes.Buffer
	for _, data := range depData {
		writeViEntries(&body, data)
	}

	ownData := own.Bytes()
	if body.Len() > 0 {
		ownData = markUnsorted(ownData)
	}
	out.Grow(len(ownData) + body.Len() + 1)
	out.Write(ownData)
	if len(ownData) > 0 && ownData[len(ownData)-1] != '\n' {
		out.WriteByte('\n')
	}
	out.Write(body.Bytes())
	return NewBuffer(own.Kind(), out.Bytes()), nil
}

// writeViEntries copies every non-header line of data to w, newline terminated.
func writeViEntries(w *bytes.Buffer, data []byte) {
	for len(data) > 0 {
		line := data
		if i := bytes.IndexByte(data, '\n'); i >= 0 {
			line, data = data[:i], data[i+1:]
		} else {
			data = nil
		}
		if len(line) == 0 || bytes.HasPrefix(line, viHeaderPrefix) {
			continue
		}
		w.Write(line)
		w.WriteByte('\n')
	}
}

// markUnsorted rewrites the "!_TAG_FILE_SORTED" header value to 0.
func markUnsorted(data []byte) []byte {
	i := bytes.Index(data, viSortedPrefix)
	if i < 0 || (i > 0 && data[i-1] != '\n') {
		return data
	}
	start := i + len(viSortedPrefix)
	end := start
	for end < len(data) && data[end] != '\t' && data[end] != '\n' {
		end++
	}

	out := make([]byte, 0, len(data))
	out = append(out, data[:start]...)
	out = append(out, '0')
	return append(out, data[end:]...)
}

// Promote publishes buf at dest: the content is written to a temporary file
// in dest's directory and renamed over dest, so readers never observe a
// partially written file.
func Promote(buf *Buffer, dest string) error {
	return writeAtomic(dest, buf.Bytes())
}

func writeAtomic(dest string, data []byte) (err error) {
	dir := filepath.Dir(dest)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(dest)+".tmp-*")
	if err != nil {
		return ioErr("create temporary file in", dir, err)
	}
	tmpPath := tmp.Name()
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		return ioErr("write", tmpPath, err)
	}
	if err = tmp.Sync(); err != nil {
		return ioErr("sync", tmpPath, err)
	}
	if err = tmp.Close(); err != nil {
		return ioErr("close", tmpPath, err)
	}
	if err = os.Chmod(tmpPath, 0o644); err != nil {
		return ioErr("chmod", tmpPath, err)
	}
	if err = os.Rename(tmpPath, dest); err != nil {
		return ioErr("rename", tmpPath, err)
	}
	return nil
}
