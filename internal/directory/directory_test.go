package directory

import (
    "context"
    "net"
    "net/http"
    "net/http/httptest"
    "net/url"
    "os"
    "path/filepath"
    "strconv"
    "testing"

    "github.com/dhamstack/meshmon/internal/state"
)

func TestFingerprintIsDeterministic(t *testing.T) {
    body := []byte("Alice,Smith,AB1CD,Townsville,5551234\n")
    if Fingerprint(body) != Fingerprint(append([]byte(nil), body...)) {
        t.Fatalf("expected identical content to fingerprint identically")
    }
    if Fingerprint(body) == Fingerprint([]byte("different content")) {
        t.Fatalf("expected different content to fingerprint differently")
    }
}

func TestParseCSVRejectsEmptyTelephone(t *testing.T) {
    body := []byte("FirstName,LastName,Callsign,Location,Telephone\n" +
        "Alice,Smith,AB1CD,Townsville,5551234\n" +
        "Bob,Jones,EF2GH,Elsewhere,\n")
    records, err := ParseCSV(body)
    if err != nil {
        t.Fatalf("unexpected error: %v", err)
    }
    if len(records) != 1 {
        t.Fatalf("expected row with empty telephone rejected, got %d records: %+v", len(records), records)
    }
    if records[0].Telephone != "5551234" {
        t.Fatalf("unexpected surviving record: %+v", records[0])
    }
}

func TestDisplayNameStripsAndReappliesMarker(t *testing.T) {
    rec := Record{FirstName: "*Alice", LastName: "Smith", Callsign: "AB1CD"}
    name, inactive := DisplayName(rec)
    if !inactive {
        t.Fatalf("expected leading '*' on FirstName to mark inactive")
    }
    if name != "*Alice Smith (AB1CD)" {
        t.Fatalf("unexpected name %q", name)
    }
}

func TestXMLBuildParseRoundTrip(t *testing.T) {
    records := []Record{
        {FirstName: "Alice", LastName: "Smith", Callsign: "AB1CD", Telephone: "5551234"},
        {FirstName: "*Bob", LastName: "Jones", Callsign: "EF2GH", Telephone: "5555678"},
    }
    data, err := BuildXML(records)
    if err != nil {
        t.Fatalf("unexpected build error: %v", err)
    }
    entries, err := ParseXML(data)
    if err != nil {
        t.Fatalf("unexpected parse error: %v", err)
    }
    if len(entries) != 2 {
        t.Fatalf("expected 2 entries, got %d", len(entries))
    }
    // Sorted by telephone ascending.
    if entries[0].Telephone != "5551234" || entries[1].Telephone != "5555678" {
        t.Fatalf("expected deterministic telephone ordering, got %+v", entries)
    }
    if entries[1].Name[0] != '*' {
        t.Fatalf("expected inactive marker preserved through XML round trip, got %q", entries[1].Name)
    }
}

func TestCSVToUserTableDisplayNameIsIdempotentUnderReingestion(t *testing.T) {
    dir := t.TempDir()
    body := []byte("FirstName,LastName,Callsign,Location,Telephone\nAlice,Smith,AB1CD,Townsville,5551234\n")

    srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        w.Write(body)
    }))
    defer srv.Close()

    host, port := splitHostPort(t, srv.URL)
    sources := []Source{{Host: host, Port: port, Path: "/"}}
    paths := Paths{
        XMLArtifact:     filepath.Join(dir, "phonebook.xml"),
        FingerprintFile: filepath.Join(dir, "phonebook.fp"),
    }
    users := state.NewUsers()
    sig := NewSignal()
    ing := NewIngestor(sources, paths, users, sig)

    changed1, err := ing.RunOnce(context.Background())
    if err != nil {
        t.Fatalf("unexpected error on first ingest: %v", err)
    }
    if !changed1 {
        t.Fatalf("expected first ingest to publish")
    }
    first, _ := users.Get("5551234")

    changed2, err := ing.RunOnce(context.Background())
    if err != nil {
        t.Fatalf("unexpected error on second ingest: %v", err)
    }
    if changed2 {
        t.Fatalf("expected identical content to skip republish")
    }
    second, _ := users.Get("5551234")

    if first.DisplayName != second.DisplayName {
        t.Fatalf("expected idempotent display name under re-ingestion, got %q then %q", first.DisplayName, second.DisplayName)
    }
    if first.DisplayName != "Alice Smith (AB1CD)" {
        t.Fatalf("unexpected display name %q", first.DisplayName)
    }
}

func TestIngestorSkipsRepublishWhenFingerprintFileAlreadyMatches(t *testing.T) {
    dir := t.TempDir()
    body := []byte("FirstName,LastName,Callsign,Location,Telephone\nAlice,Smith,AB1CD,Townsville,5551234\n")

    srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        w.Write(body)
    }))
    defer srv.Close()

    host, port := splitHostPort(t, srv.URL)
    sources := []Source{{Host: host, Port: port, Path: "/"}}
    fpPath := filepath.Join(dir, "phonebook.fp")
    if err := os.WriteFile(fpPath, []byte(Fingerprint(body)), 0o644); err != nil {
        t.Fatalf("failed to seed fingerprint file: %v", err)
    }

    paths := Paths{XMLArtifact: filepath.Join(dir, "phonebook.xml"), FingerprintFile: fpPath}
    users := state.NewUsers()
    users.Upsert("5551234", func(u *state.User) { u.Active = true }) // non-empty table

    ing := NewIngestor(sources, paths, users, NewSignal())
    changed, err := ing.RunOnce(context.Background())
    if err != nil {
        t.Fatalf("unexpected error: %v", err)
    }
    if changed {
        t.Fatalf("expected pre-seeded matching fingerprint to skip republish on first run")
    }
    if _, err := os.Stat(paths.XMLArtifact); err == nil {
        t.Fatalf("expected no XML artifact written when fingerprint already matched")
    }
}

func TestReconcilerMarksAbsentDirectoryUserInactive(t *testing.T) {
    dir := t.TempDir()
    users := state.NewUsers()
    users.Upsert("1001", func(u *state.User) {
        u.KnownFromDirectory = true
        u.Active = true
    })

    records := []Record{{FirstName: "Alice", LastName: "Smith", Callsign: "AB1CD", Telephone: "2002"}}
    data, err := BuildXML(records)
    if err != nil {
        t.Fatalf("unexpected error: %v", err)
    }
    artifactPath := filepath.Join(dir, "phonebook.xml")
    if err := os.WriteFile(artifactPath, data, 0o644); err != nil {
        t.Fatalf("failed to write artifact: %v", err)
    }

    rec := NewReconciler(Paths{XMLArtifact: artifactPath}, users, NewSignal())
    if err := rec.RunOnce(); err != nil {
        t.Fatalf("unexpected reconcile error: %v", err)
    }

    got1001, _ := users.Get("1001")
    if got1001.Active {
        t.Fatalf("expected user absent from directory artifact to be deactivated")
    }
    got2002, _ := users.Get("2002")
    if !got2002.Active || !got2002.KnownFromDirectory {
        t.Fatalf("expected new directory entry to be created active, got %+v", got2002)
    }
}

func TestReconcilerToleratesMissingArtifact(t *testing.T) {
    users := state.NewUsers()
    rec := NewReconciler(Paths{XMLArtifact: filepath.Join(t.TempDir(), "missing.xml")}, users, NewSignal())
    if err := rec.RunOnce(); err != nil {
        t.Fatalf("expected missing artifact to be tolerated, got %v", err)
    }
}

// splitHostPort pulls host/port out of an httptest server URL for use as a
// directory.Source.
func splitHostPort(t *testing.T, rawURL string) (string, int) {
    t.Helper()
    u, err := url.Parse(rawURL)
    if err != nil {
        t.Fatalf("failed to parse test server URL %q: %v", rawURL, err)
    }
    host, portStr, err := net.SplitHostPort(u.Host)
    if err != nil {
        t.Fatalf("failed to split host/port from %q: %v", u.Host, err)
    }
    port, err := strconv.Atoi(portStr)
    if err != nil {
        t.Fatalf("failed to parse port %q: %v", portStr, err)
    }
    return host, port
}
