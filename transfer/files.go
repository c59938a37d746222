package transfer

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/lebao3105/LocalTalk-sub002/types"
)

// OutboundFile pairs the wire metadata with the local path it came from.
type OutboundFile struct {
	Info types.FileInfo
	Path string
}

// DescribeFile stats and hashes a local file into the metadata the
// receiver negotiates on. Directories are not sendable.
func DescribeFile(path string) (OutboundFile, error) {
	fd, err := os.Stat(path)
	if err != nil {
		return OutboundFile{}, err
	}
	if fd.IsDir() {
		return OutboundFile{}, fmt.Errorf("%s is a directory", path)
	}

	checksum, err := hashFile(path)
	if err != nil {
		return OutboundFile{}, err
	}

	fileType := mime.TypeByExtension(filepath.Ext(path))
	if fileType == "" {
		fileType = "application/octet-stream"
	}

	return OutboundFile{
		Info: types.FileInfo{
			ID:       uuid.NewString(),
			FileName: fd.Name(),
			Size:     fd.Size(),
			FileType: fileType,
			SHA256:   checksum,
			Metadata: &types.FileMetadata{
				Modified: fd.ModTime().Format(time.RFC3339),
			},
		},
		Path: path,
	}, nil
}

// DescribeFiles describes every path, failing on the first bad one.
func DescribeFiles(paths []string) ([]OutboundFile, error) {
	files := make([]OutboundFile, 0, len(paths))
	for _, path := range paths {
		file, err := DescribeFile(path)
		if err != nil {
			return nil, err
		}
		files = append(files, file)
	}
	return files, nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	hasher := sha256.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}
