package transfer

import (
	"errors"
	"net/url"
	"strings"
)

// RedactURLError strips the query, fragment and userinfo from the URL
// carried by a *url.Error. Signed URLs and credential requests keep their
// secrets in the query, and net/http puts the full URL in its errors.
func RedactURLError(err error) error {
	var uerr *url.Error
	if !errors.As(err, &uerr) {
		return err
	}

	return &url.Error{Op: uerr.Op, URL: RedactURL(uerr.URL), Err: uerr.Err}
}

// RedactURL returns raw without query, fragment and userinfo.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		if i := strings.IndexAny(raw, "?#"); i >= 0 {
			return raw[:i]
		}

		return raw
	}

	u.User = nil
	u.RawQuery = ""
	u.ForceQuery = false
	u.Fragment = ""
	u.RawFragment = ""

	return u.String()
}
