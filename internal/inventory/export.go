package inventory

import (
	"context"
	"encoding/csv"
	"io"
	"strconv"
	"time"
)

// ExportHubsCSV streams the hub inventory as CSV. Setup codes are never
// exported; only hashes exist at this point.
func (s *Service) ExportHubsCSV(ctx context.Context, w io.Writer, status string) error {
	rows, err := s.repo.ListHubInventory(ctx, status)
	if err != nil {
		return err
	}
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"hub_id", "serial", "model_id", "status", "claimed_home_id", "claimed_at", "created_at"}); err != nil {
		return err
	}
	for _, r := range rows {
		serial := ""
		if r.Serial != nil {
			serial = *r.Serial
		}
		homeID := ""
		if r.ClaimedHomeID != nil {
			homeID = strconv.FormatUint(uint64(*r.ClaimedHomeID), 10)
		}
		claimedAt := ""
		if r.ClaimedAt != nil {
			claimedAt = r.ClaimedAt.UTC().Format(time.RFC3339)
		}
		rec := []string{r.HubID, serial, r.ModelID, r.Status, homeID, claimedAt, r.CreatedAt.UTC().Format(time.RFC3339)}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func (s *Service) ExportDevicesCSV(ctx context.Context, w io.Writer, status string) error {
	rows, err := s.repo.ListDeviceInventory(ctx, status)
	if err != nil {
		return err
	}
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"serial", "device_uuid", "protocol", "type_default", "model_id", "status", "created_at"}); err != nil {
		return err
	}
	for _, r := range rows {
		rec := []string{r.Serial, r.DeviceUUID, r.Protocol, r.TypeDefault, r.ModelID, r.Status, r.CreatedAt.UTC().Format(time.RFC3339)}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
