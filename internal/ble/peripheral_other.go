//go:build !linux

package ble

// The tinygo GATT server is only available on Linux (BlueZ). Elsewhere the
// node still scans and connects as a central.

func (a *TinyGoAdapter) Advertise(opts AdvertiseOptions) error {
	return ErrUnsupported
}

func (a *TinyGoAdapter) StopAdvertising() error { return nil }

func (a *TinyGoAdapter) Publish(charUUID string, value []byte) error {
	return ErrUnsupported
}
