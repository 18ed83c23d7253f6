package meshmonitor

import (
    "context"
    "net/http"
    "net/http/httptest"
    "testing"
)

func TestClassifyInterface(t *testing.T) {
    cases := map[string]LinkType{
        "wlan0": LinkRF,
        "ath0":  LinkRF,
        "tun0":  LinkTunnel,
        "br-lan": LinkBridge,
        "eth0":  LinkEthernet,
        "foo0":  LinkUnknown,
    }
    for iface, want := range cases {
        if got := ClassifyInterface(iface); got != want {
            t.Errorf("ClassifyInterface(%q) = %q, want %q", iface, got, want)
        }
    }
}

func TestOLSRAdapterNeighborsParsesLinksEndpoint(t *testing.T) {
    srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        if r.URL.Path != "/links" {
            t.Errorf("unexpected path %s", r.URL.Path)
        }
        w.Write([]byte(`{"links":[
            {"remoteIP":"10.0.0.2","olsrInterface":"wlan0","linkCost":"1.5"},
            {"remoteIP":"10.0.0.3","olsrInterface":"eth0","linkCost":"2.0"}
        ]}`))
    }))
    defer srv.Close()

    a := NewOLSRAdapter(srv.URL)
    neighbors, err := a.Neighbors(context.Background())
    if err != nil {
        t.Fatalf("unexpected error: %v", err)
    }
    if len(neighbors) != 2 {
        t.Fatalf("expected 2 neighbors, got %d: %+v", len(neighbors), neighbors)
    }
    if neighbors[0].IP != "10.0.0.2" || neighbors[0].LinkType != LinkRF {
        t.Errorf("unexpected first neighbor: %+v", neighbors[0])
    }
    if neighbors[1].LinkType != LinkEthernet {
        t.Errorf("unexpected second neighbor link type: %+v", neighbors[1])
    }
}

func TestOLSRAdapterPathHopsWalksTopology(t *testing.T) {
    srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        w.Write([]byte(`[
            {"destinationIP":"10.0.0.5","lastHopIP":"10.0.0.2"},
            {"destinationIP":"10.0.0.2","lastHopIP":"10.0.0.2"}
        ]`))
    }))
    defer srv.Close()

    a := NewOLSRAdapter(srv.URL)
    hops, err := a.PathHops(context.Background(), "10.0.0.5")
    if err != nil {
        t.Fatalf("unexpected error: %v", err)
    }
    if len(hops) != 2 || hops[0] != "10.0.0.5" || hops[1] != "10.0.0.2" {
        t.Fatalf("unexpected hops: %+v", hops)
    }
}

func TestTokenizeBabelLine(t *testing.T) {
    fields := tokenizeBabelLine("add neighbour 1 address fe80::1 if wlan0 reach-cost 256")
    if fields["address"] != "fe80::1" || fields["if"] != "wlan0" || fields["reach-cost"] != "256" {
        t.Fatalf("unexpected fields: %+v", fields)
    }
}

func TestNullAdapterReturnsEmpty(t *testing.T) {
    a := NullAdapter{}
    neighbors, err := a.Neighbors(context.Background())
    if err != nil || neighbors != nil {
        t.Fatalf("expected no neighbors, no error; got %+v, %v", neighbors, err)
    }
    hops, err := a.PathHops(context.Background(), "10.0.0.1")
    if err != nil || hops != nil {
        t.Fatalf("expected no hops, no error; got %+v, %v", hops, err)
    }
}
