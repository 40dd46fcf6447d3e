package site

import (
	"errors"
	"io"
	"os"
	"regexp"
)

var versionRegex = regexp.MustCompile(`\$wp_version\s*=\s*['"]([0-9]+\.[0-9]+(\.[0-9]+)?[^'"]*)['"]`)

const maxVersionFileBytes = 64 * 1024

// Version reads the WordPress core version from wp-includes/version.php.
func (s Site) Version() (string, error) {
	file, err := os.Open(s.Path("wp-includes", "version.php"))
	if err != nil {
		return "", err
	}
	defer file.Close()

	body, err := io.ReadAll(io.LimitReader(file, maxVersionFileBytes))
	if err != nil {
		return "", err
	}

	matches := versionRegex.FindSubmatch(body)
	if len(matches) < 2 {
		return "", errors.New("version not declared in wp-includes/version.php")
	}
	return string(matches[1]), nil
}
