package kestrel

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// SpoolHandler returns a DeliveryHandler that writes each delivery to dir
// as <ID>.msgp. Files appear complete: they are written under a temporary
// name and renamed.
func SpoolHandler(dir string) DeliveryHandler {
	return func(ctx context.Context, d *Delivery) error {
		buf, err := d.MarshalMsg(nil)
		if err != nil {
			return fmt.Errorf("encoding delivery: %w", err)
		}
		path := filepath.Join(dir, d.ID+".msgp")
		tmp := path + ".tmp"
		if err := os.WriteFile(tmp, buf, 0o600); err != nil {
			return fmt.Errorf("writing delivery: %w", err)
		}
		if err := os.Rename(tmp, path); err != nil {
			os.Remove(tmp)
			return fmt.Errorf("writing delivery: %w", err)
		}
		return nil
	}
}

// ReadSpooled reads a delivery written by SpoolHandler.
func ReadSpooled(path string) (*Delivery, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	d := &Delivery{}
	if _, err := d.UnmarshalMsg(buf); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	return d, nil
}
