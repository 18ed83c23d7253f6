package directory

import (
    "fmt"
    "io"
    "net/http"
    "strconv"
    "strings"
    "time"

    "github.com/dhamstack/meshmon/pkg/logger"
)

// Source is one configured phonebook origin: a "host,port,path" triple
// from the PHONEBOOK_SERVER config key (spec §4.2, §6).
type Source struct {
    Host string
    Port int
    Path string
}

// URL renders Source as a plain HTTP URL.
func (s Source) URL() string {
    return fmt.Sprintf("http://%s:%d%s", s.Host, s.Port, s.Path)
}

// ParseSource parses one PHONEBOOK_SERVER entry of the form
// "host,port,path" (spec §6).
func ParseSource(spec string) (Source, error) {
    fields := strings.SplitN(spec, ",", 3)
    if len(fields) != 3 {
        return Source{}, fmt.Errorf("directory: malformed phonebook_server %q, want host,port,path", spec)
    }
    port, err := strconv.Atoi(strings.TrimSpace(fields[1]))
    if err != nil {
        return Source{}, fmt.Errorf("directory: malformed phonebook_server port in %q: %w", spec, err)
    }
    return Source{
        Host: strings.TrimSpace(fields[0]),
        Port: port,
        Path: strings.TrimSpace(fields[2]),
    }, nil
}

// httpClient is shared by every fetch; DisableKeepAlives approximates the
// spec's HTTP/1.0 "Connection: close" semantics (spec §4.2, §6) with the
// stdlib client instead of dropping to raw HTTP/1.0 framing.
var httpClient = &http.Client{
    Timeout: 5 * time.Second,
    Transport: &http.Transport{
        DisableKeepAlives: true,
    },
}

// FetchFirst iterates sources in order and returns the body of the first
// one that responds with a non-empty body (spec §4.2: "the first source
// returning a non-empty body wins"). Every failure is logged at WARN and
// the next source is tried; an empty list or an all-failing list returns
// an error.
func FetchFirst(sources []Source) ([]byte, Source, error) {
    for _, src := range sources {
        body, err := fetchOne(src)
        if err != nil {
            logger.WithError(err).WithField("phonebook_source", src.URL()).Warn("directory: source fetch failed, trying next")
            continue
        }
        if len(body) == 0 {
            logger.WithField("phonebook_source", src.URL()).Warn("directory: source returned empty body, trying next")
            continue
        }
        return body, src, nil
    }
    return nil, Source{}, fmt.Errorf("directory: no configured source produced a non-empty body")
}

func fetchOne(src Source) ([]byte, error) {
    resp, err := httpClient.Get(src.URL())
    if err != nil {
        return nil, fmt.Errorf("GET %s: %w", src.URL(), err)
    }
    defer resp.Body.Close()

    if resp.StatusCode < 200 || resp.StatusCode >= 300 {
        return nil, fmt.Errorf("GET %s: status %d", src.URL(), resp.StatusCode)
    }

    body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
    if err != nil {
        return nil, fmt.Errorf("read body from %s: %w", src.URL(), err)
    }
    return body, nil
}
