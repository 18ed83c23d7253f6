package directory

import (
    "bytes"
    "encoding/csv"
    "fmt"
    "strings"
    "unicode/utf8"
)

// Record is one sanitised phonebook row (spec §4.2). Telephone doubles as
// the directory entry's user_id: the CSV carries no separate numeric key,
// and every REGISTER/INVITE lookup in §4.1 keys off that same field.
type Record struct {
    FirstName string
    LastName  string
    Callsign  string
    Location  string
    Telephone string
}

// SanitizeUTF8 replaces invalid UTF-8 byte sequences with the Unicode
// replacement character, so a mangled upstream phonebook body never breaks
// downstream CSV/XML processing (spec §4.2 step 1).
func SanitizeUTF8(body []byte) []byte {
    if utf8.Valid(body) {
        return body
    }
    var out bytes.Buffer
    for len(body) > 0 {
        r, size := utf8.DecodeRune(body)
        if r == utf8.RuneError && size <= 1 {
            out.WriteRune(utf8.RuneError)
            body = body[1:]
            continue
        }
        out.Write(body[:size])
        body = body[size:]
    }
    return out.Bytes()
}

// ParseCSV parses a sanitised phonebook body into records, trimming
// whitespace on every field and rejecting rows whose telephone is empty
// (spec §4.2 step 2). Rows with fewer than five fields are skipped rather
// than aborting the whole import; a CSV syntax error (such as a stray
// quote) fails the whole parse.
func ParseCSV(body []byte) ([]Record, error) {
    r := csv.NewReader(bytes.NewReader(body))
    r.FieldsPerRecord = -1
    r.TrimLeadingSpace = true

    rows, err := r.ReadAll()
    if err != nil {
        return nil, fmt.Errorf("directory: parse CSV: %w", err)
    }

    var out []Record
    for i, row := range rows {
        if len(row) < 5 {
            continue
        }
        if i == 0 && strings.EqualFold(strings.TrimSpace(row[0]), "FirstName") {
            continue // header row
        }
        rec := Record{
            FirstName: strings.TrimSpace(row[0]),
            LastName:  strings.TrimSpace(row[1]),
            Callsign:  strings.TrimSpace(row[2]),
            Location:  strings.TrimSpace(row[3]),
            Telephone: strings.TrimSpace(row[4]),
        }
        if rec.Telephone == "" {
            continue
        }
        out = append(out, rec)
    }
    return out, nil
}

// DisplayName builds the "{FirstName} {LastName} ({Callsign})" name the
// user table and XML artifact both use, interpreting a leading '*' on
// either name field as the directory's own inactive marker (spec §4.2):
// the marker is stripped from the individual fields and re-applied as a
// single leading '*' on the combined name, which is what the reconciler
// later strips back off when it reparses the XML (spec §4.2 reconciler).
func DisplayName(rec Record) (name string, inactive bool) {
    first, firstMarked := stripMarker(rec.FirstName)
    last, lastMarked := stripMarker(rec.LastName)
    inactive = firstMarked || lastMarked
    name = fmt.Sprintf("%s %s (%s)", first, last, rec.Callsign)
    if inactive {
        name = "*" + name
    }
    return name, inactive
}

func stripMarker(name string) (stripped string, marked bool) {
    if strings.HasPrefix(name, "*") {
        return strings.TrimPrefix(name, "*"), true
    }
    return name, false
}
