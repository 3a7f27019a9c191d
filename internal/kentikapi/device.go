package kentikapi

import (
	"context"
	"errors"
	"fmt"

	"github.com/otus-agent/otus/internal/errs"
)

// Column is one custom-column catalog entry the device carries, grounded on
// kentik-api/src/api/device.rs's Column.
type Column struct {
	ID   uint64 `json:"field_id,string"`
	Name string `json:"col_name"`
	Kind string `json:"col_type"`
}

// Device is the Kentik device record identifying this agent/aggregator to
// the ingestion API, grounded on kentik-api/src/api/device.rs's Device.
type Device struct {
	ID          uint64   `json:"id,string"`
	Name        string   `json:"device_name"`
	Kind        string   `json:"device_type"`
	Subtype     string   `json:"device_subtype"`
	BGPType     string   `json:"device_bgp_type"`
	CDNAttr     string   `json:"cdn_attr"`
	SampleRate  uint64   `json:"device_sample_rate,string"`
	PlanID      *uint64  `json:"plan_id,omitempty"`
	SiteID      *uint64  `json:"site_id,omitempty"`
	CompanyID   uint64   `json:"company_id,string"`
	CustomCols  []Column `json:"custom_column_data"`
}

// ClientID is the sender_id the flow endpoint expects on every POST.
func (d Device) ClientID() string {
	return fmt.Sprintf("%d:%s:%d", d.CompanyID, d.Name, d.ID)
}

// Column looks up a custom column's numeric id by its stable name. Callers
// treat a missing name as a hard configuration error (spec.md's encoder
// contract): this method just reports presence, the caller formats the
// error so it can name the encoder.
func (d Device) Column(name string) (uint64, bool) {
	for _, c := range d.CustomCols {
		if c.Name == name {
			return c.ID, true
		}
	}
	return 0, false
}

type deviceWrapper struct {
	Device Device `json:"device"`
}

// GetDeviceByName fetches a device by its configured name.
func (c *Client) GetDeviceByName(ctx context.Context, name string) (Device, error) {
	url := fmt.Sprintf("%s/device/%s", c.urls.Internal, name)
	var w deviceWrapper
	if err := c.Get(ctx, url, &w); err != nil {
		return Device{}, err
	}
	return w.Device, nil
}

// CreateDevice registers a new device and returns the server's copy
// (carrying its assigned id and custom-column catalog).
func (c *Client) CreateDevice(ctx context.Context, device Device) (Device, error) {
	url := fmt.Sprintf("%s/device/", c.urls.Internal)
	w := deviceWrapper{Device: device}
	if err := c.Post(ctx, url, w, &w); err != nil {
		return Device{}, err
	}
	return c.GetDeviceByName(ctx, device.Name)
}

// GetOrCreateDevice fetches the named device, creating it with the given
// plan id if the API reports it missing. Grounded on
// original_source/src/export/mod.rs's get_or_create_device.
func (c *Client) GetOrCreateDevice(ctx context.Context, name string, planID *uint64) (Device, error) {
	device, err := c.GetDeviceByName(ctx, name)
	if err == nil {
		return device, nil
	}
	var apiErr *errs.Error
	if ok := errors.As(err, &apiErr); !ok || apiErr.Status != 404 {
		return Device{}, err
	}

	return c.CreateDevice(ctx, Device{
		Name:       name,
		Kind:       "host-nprobe-dns-www",
		Subtype:    "kappa",
		BGPType:    "none",
		CDNAttr:    "N",
		SampleRate: 1,
		PlanID:     planID,
	})
}
