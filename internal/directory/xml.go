package directory

import (
    "encoding/xml"
    "fmt"
    "sort"
)

// phonebookXML is the on-disk directory artifact (spec §4.2 step 4). Field
// order is fixed and entries are sorted by Telephone before marshalling so
// re-ingesting identical CSV content reproduces byte-identical XML (spec §8
// "After directory ingestion with identical content... published XML byte
// content are unchanged").
type phonebookXML struct {
    XMLName xml.Name    `xml:"phonebook"`
    Entries []entryXML  `xml:"entry"`
}

type entryXML struct {
    Name      string `xml:"name"`
    Telephone string `xml:"telephone"`
}

// BuildXML renders records into the deterministic phonebook artifact. The
// Name field embeds the leading-'*' inactive marker computed by
// DisplayName, which xml.MarshalIndent escapes as ordinary text content along with
// every other entity (spec §4.2: "deterministic XML artifact (escaped
// entities)").
func BuildXML(records []Record) ([]byte, error) {
    entries := make([]entryXML, 0, len(records))
    for _, rec := range records {
        name, _ := DisplayName(rec)
        entries = append(entries, entryXML{Name: name, Telephone: rec.Telephone})
    }
    sort.Slice(entries, func(i, j int) bool { return entries[i].Telephone < entries[j].Telephone })

    doc := phonebookXML{Entries: entries}
    data, err := xml.MarshalIndent(doc, "", "  ")
    if err != nil {
        return nil, fmt.Errorf("directory: marshal XML artifact: %w", err)
    }
    return append([]byte(xml.Header), data...), nil
}

// ParseXML reads a published phonebook artifact back into (name, telephone)
// pairs (spec §4.2 reconciler contract).
func ParseXML(data []byte) ([]Entry, error) {
    var doc phonebookXML
    if err := xml.Unmarshal(data, &doc); err != nil {
        return nil, fmt.Errorf("directory: parse XML artifact: %w", err)
    }
    out := make([]Entry, 0, len(doc.Entries))
    for _, e := range doc.Entries {
        out = append(out, Entry{Name: e.Name, Telephone: e.Telephone})
    }
    return out, nil
}

// Entry is one (name, telephone) pair as read back from the published
// artifact by the reconciler.
type Entry struct {
    Name      string
    Telephone string
}
