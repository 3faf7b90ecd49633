// Package discovery implements urpm's LAN peer discovery (C8): a UDP
// broadcast announcing this host, an HTTP exchange that pulls the
// sender's served-media list, and lazy peer-timeout purging, all
// backed by the peer half of the index store.
package discovery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"time"

	"github.com/quay/zlog"
	"golang.org/x/time/rate"

	"github.com/urpmng/urpm"
	"github.com/urpmng/urpm/internal/index"
)

// magic is the 6-byte protocol identifier prefixing every UDP
// broadcast datagram.
var magic = [6]byte{'U', 'R', 'P', 'M', 'D', '1'}

// Announcement is the compact JSON payload following the magic tag.
type Announcement struct {
	Host    string `json:"host"`
	Port    int    `json:"port"`
	Version string `json:"version"`
}

// AnnounceRequest is the body of POST /api/announce.
type AnnounceRequest struct {
	Host          string   `json:"host"`
	Port          int      `json:"port"`
	Media         []string `json:"media"`
	MirrorEnabled bool     `json:"mirror_enabled"`
	LocalVersion  string   `json:"local_version"`
	LocalArch     string   `json:"local_arch"`
	ServedMedia   []string `json:"served_media"`
}

// MediaResponse is the body of GET /api/media.
type MediaResponse struct {
	Media []MediaSummary `json:"media"`
}

// MediaSummary is one entry of a peer's served-media list.
type MediaSummary struct {
	Name          string `json:"name"`
	MageiaVersion string `json:"mageia_version"`
	Arch          string `json:"arch"`
}

// Discovery drives the broadcast/listen/announce loop. It holds its
// own index store connection, since discovery runs on its own
// goroutine(s) independent of the main request path (spec §4.8's
// per-thread isolation requirement).
type Discovery struct {
	Store *index.Store

	Host          string
	Port          int
	Version       string
	LocalVersion  string
	LocalArch     string
	MirrorEnabled bool
	ServedMedia   func(ctx context.Context) ([]string, error)

	BroadcastInterval time.Duration
	PeerTimeout       time.Duration
	DiscoveryPort     int

	Client *http.Client

	conn    *net.UDPConn
	limiter *rate.Limiter
}

func (d *Discovery) client() *http.Client {
	if d.Client != nil {
		return d.Client
	}
	return &http.Client{Timeout: 5 * time.Second}
}

// Run drives the broadcast loop until ctx is cancelled. It de-
// synchronizes a fleet that boots together with an initial random
// delay of 1..interval/2, then re-broadcasts every interval, jittered
// ±30%.
func (d *Discovery) Run(ctx context.Context) error {
	addr := &net.UDPAddr{Port: d.DiscoveryPort}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return &urpm.Error{Op: "discovery.Run", Kind: urpm.ErrNetwork, Message: "binding UDP discovery socket", Inner: err}
	}
	d.conn = conn
	defer conn.Close()

	// limiter bounds how often this process will process an inbound
	// broadcast storm (e.g. a flapping peer re-announcing); it does not
	// gate our own outbound cadence, which is driven by the jittered
	// ticker below.
	d.limiter = rate.NewLimiter(rate.Every(time.Second), 5)

	go d.listenLoop(ctx)

	maxDelay := int(d.BroadcastInterval / 2 / time.Second)
	if maxDelay < 1 {
		maxDelay = 1
	}
	initialDelay := time.Duration(1+rand.Intn(maxDelay)) * time.Second
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(initialDelay):
	}

	for {
		if err := d.broadcast(); err != nil {
			zlog.Error(ctx).Err(err).Msg("discovery broadcast failed")
		}
		if _, err := d.Store.PrunePeers(ctx, time.Now(), d.PeerTimeout); err != nil {
			zlog.Error(ctx).Err(err).Msg("pruning stale peers")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jitter(d.BroadcastInterval)):
		}
	}
}

// jitter returns d adjusted by a uniformly random ±30%.
func jitter(d time.Duration) time.Duration {
	delta := float64(d) * 0.3
	offset := (rand.Float64()*2 - 1) * delta
	return d + time.Duration(offset)
}

func (d *Discovery) broadcast() error {
	payload, err := json.Marshal(Announcement{Host: d.Host, Port: d.Port, Version: d.Version})
	if err != nil {
		return err
	}
	msg := append(append([]byte{}, magic[:]...), payload...)
	dst := &net.UDPAddr{IP: net.IPv4bcast, Port: d.DiscoveryPort}
	_, err = d.conn.WriteToUDP(msg, dst)
	return err
}

func (d *Discovery) listenLoop(ctx context.Context) {
	buf := make([]byte, 2048)
	for {
		d.conn.SetReadDeadline(time.Now().Add(time.Second))
		n, src, err := d.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		if !d.limiter.Allow() {
			continue
		}
		if err := d.handleDatagram(ctx, buf[:n], src); err != nil {
			zlog.Debug(ctx).Err(err).Msg("discarding malformed discovery datagram")
		}
	}
}

func (d *Discovery) handleDatagram(ctx context.Context, data []byte, src *net.UDPAddr) error {
	if len(data) < len(magic) || !bytes.Equal(data[:len(magic)], magic[:]) {
		return fmt.Errorf("bad magic")
	}
	var ann Announcement
	if err := json.Unmarshal(data[len(magic):], &ann); err != nil {
		return fmt.Errorf("decoding announcement: %w", err)
	}
	if ann.Host == d.Host && ann.Port == d.Port {
		return nil // ignore our own announcement
	}
	go d.exchangeWith(ctx, ann)
	return nil
}

// exchangeWith implements the two-step handshake: pull the sender's
// served-media list, then POST our own announce.
func (d *Discovery) exchangeWith(ctx context.Context, ann Announcement) {
	media, err := d.fetchMedia(ctx, ann)
	if err != nil {
		zlog.Debug(ctx).Str("peer", ann.Host).Err(err).Msg("fetching peer media list")
		return
	}
	names := make([]string, 0, len(media))
	for _, m := range media {
		names = append(names, m.Name)
	}
	if err := d.Store.UpsertPeer(ctx, urpm.Peer{
		Host: ann.Host, Port: ann.Port, Version: ann.Version, ServedMedia: names, LastSeen: time.Now(),
	}); err != nil {
		zlog.Error(ctx).Err(err).Msg("upserting discovered peer")
		return
	}
	if err := d.announceTo(ctx, ann); err != nil {
		zlog.Debug(ctx).Str("peer", ann.Host).Err(err).Msg("announcing to peer")
	}
}

func (d *Discovery) fetchMedia(ctx context.Context, ann Announcement) ([]MediaSummary, error) {
	url := fmt.Sprintf("http://%s:%d/api/media", ann.Host, ann.Port)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := d.client().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var out MediaResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return out.Media, nil
}

func (d *Discovery) announceTo(ctx context.Context, ann Announcement) error {
	served, err := d.ServedMedia(ctx)
	if err != nil {
		return err
	}
	body, err := json.Marshal(AnnounceRequest{
		Host: d.Host, Port: d.Port, MirrorEnabled: d.MirrorEnabled,
		LocalVersion: d.LocalVersion, LocalArch: d.LocalArch, ServedMedia: served,
	})
	if err != nil {
		return err
	}
	url := fmt.Sprintf("http://%s:%d/api/announce", ann.Host, ann.Port)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := d.client().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return nil
}
