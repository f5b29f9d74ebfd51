package utils

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/AdguardTeam/golibs/log"
)

// DownloadFromUrl fetches url and writes its body to destPath, truncating
// or creating the file as needed. Used by the domain-list loader to refresh
// its cached blocklists.
func DownloadFromUrl(url, destPath string) error {
	if destPath == "" {
		tokens := strings.Split(url, "/")
		destPath = tokens[len(tokens)-1]
		if !strings.HasSuffix(destPath, ".txt") {
			destPath += ".txt"
		}
	}

	output, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("creating %s: %w", destPath, err)
	}
	defer func() {
		if cerr := output.Close(); cerr != nil {
			log.Error("net_utils: closing %s: %v", destPath, cerr)
		}
	}()

	resp, err := http.Get(url)
	if err != nil {
		return fmt.Errorf("downloading %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errors.New("net_utils: bad status downloading " + url + ": " + resp.Status)
	}

	if _, err = io.Copy(output, resp.Body); err != nil {
		return fmt.Errorf("writing %s: %w", destPath, err)
	}
	return nil
}
