package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// PushNotifier tries the driver's live websocket first, then falls back to
// posting the notice to an external push provider endpoint.
type PushNotifier struct {
	Endpoint string
	Client   *http.Client
	WS       *WSRegistry
}

func NewPushNotifier(endpoint string, ws *WSRegistry) *PushNotifier {
	return &PushNotifier{Endpoint: endpoint, Client: &http.Client{Timeout: 3 * time.Second}, WS: ws}
}

func (p *PushNotifier) OfferToDriver(driverID string, notice OfferNotice) error {
	if p.WS != nil {
		if err := p.WS.OfferToDriver(driverID, notice); err == nil {
			return nil
		}
	}
	if p.Endpoint == "" {
		return ErrNoSession
	}
	b, _ := json.Marshal(map[string]any{"driver_id": driverID, "offer": notice})
	resp, err := p.Client.Post(p.Endpoint, "application/json", bytes.NewReader(b))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("push provider status %d", resp.StatusCode)
	}
	return nil
}
