package locator

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
)

// StoragePathInfoSuffix names the indirection file left behind when a
// dataset file or directory is relocated.
const StoragePathInfoSuffix = "_StoragePathInfo.txt"

const serDirName = "ser"

// ResolveStoragePath returns dir/fileName when it exists. Otherwise, if
// dir/<fileName>_StoragePathInfo.txt exists, its first non-blank line is
// returned as the relocated path. An empty string means neither exists.
func ResolveStoragePath(dir, fileName string) string {
	p := filepath.Join(dir, fileName)
	if _, err := os.Stat(p); err == nil {
		return p
	}
	return readStoragePathInfo(filepath.Join(dir, fileName+StoragePathInfoSuffix))
}

// ResolveSerStoragePath finds the Bruker "ser" file or directory for a
// dataset directory: dir/ser, then dir/0.ser/ser, then the
// ser_StoragePathInfo.txt indirection.
func ResolveSerStoragePath(dir string) string {
	for _, p := range []string{
		filepath.Join(dir, serDirName),
		filepath.Join(dir, "0.ser", serDirName),
	} {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return readStoragePathInfo(filepath.Join(dir, serDirName+StoragePathInfoSuffix))
}

func readStoragePathInfo(infoFile string) string {
	f, err := os.Open(infoFile)
	if err != nil {
		return ""
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			return line
		}
	}
	return ""
}
