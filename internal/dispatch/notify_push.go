package dispatch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// PushNotifier posts offers to a driver-app push backend over HTTP, used
// when a driver has no live websocket session.
type PushNotifier struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewPushNotifier(endpoint, key string) *PushNotifier {
	return &PushNotifier{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (p *PushNotifier) Offer(driverID string, offer models.Offer) error {
	return p.post(map[string]any{"driver_id": driverID, "offer": offer})
}

func (p *PushNotifier) Revoke(driverID, rideID string) {
	_ = p.post(map[string]any{"driver_id": driverID, "ride_id": rideID, "revoked": true})
}

func (p *PushNotifier) post(payload map[string]any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, p.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.Key != "" {
		req.Header.Set("Authorization", "Bearer "+p.Key)
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("push endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// FallbackNotifier tries the primary channel first (websocket) and falls
// back to push when no session exists.
type FallbackNotifier struct {
	Primary  Notifier
	Fallback Notifier
}

func (f *FallbackNotifier) Offer(driverID string, offer models.Offer) error {
	err := f.Primary.Offer(driverID, offer)
	if err == nil || f.Fallback == nil {
		return err
	}
	return f.Fallback.Offer(driverID, offer)
}

func (f *FallbackNotifier) Revoke(driverID, rideID string) {
	f.Primary.Revoke(driverID, rideID)
	if f.Fallback != nil {
		f.Fallback.Revoke(driverID, rideID)
	}
}
