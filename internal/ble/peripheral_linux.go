//go:build linux

package ble

import (
	"fmt"

	"tinygo.org/x/bluetooth"
)

func (a *TinyGoAdapter) Advertise(opts AdvertiseOptions) error {
	a.advMu.Lock()
	defer a.advMu.Unlock()

	key := opts.Key()
	if a.advertising && key == a.advKey {
		return nil
	}
	if a.advertising {
		if err := a.adv.Stop(); err != nil {
			return fmt.Errorf("ble: stop advertising for restart: %w", err)
		}
		a.advertising = false
	}

	serviceUUIDs := make([]bluetooth.UUID, 0, len(opts.Services))
	for _, svc := range opts.Services {
		svcUUID, err := bluetooth.ParseUUID(svc.UUID)
		if err != nil {
			return fmt.Errorf("ble: parse service UUID %q: %w", svc.UUID, err)
		}
		serviceUUIDs = append(serviceUUIDs, svcUUID)
		// BlueZ cannot unregister a service, so each one is added once for
		// the lifetime of the process.
		if a.registered[svc.UUID] {
			continue
		}
		if err := a.addService(svcUUID, svc); err != nil {
			return err
		}
		a.registered[svc.UUID] = true
	}

	if a.adv == nil {
		a.adv = a.adapter.DefaultAdvertisement()
	}
	if err := a.adv.Configure(bluetooth.AdvertisementOptions{
		LocalName:    opts.LocalName,
		ServiceUUIDs: serviceUUIDs,
	}); err != nil {
		return fmt.Errorf("ble: configure advertisement: %w", err)
	}
	if err := a.adv.Start(); err != nil {
		return fmt.Errorf("ble: start advertising: %w", err)
	}

	a.advertising = true
	a.advKey = key
	a.logger.Info("[BLE] advertising", "name", opts.LocalName, "services", len(serviceUUIDs))
	return nil
}

func (a *TinyGoAdapter) addService(svcUUID bluetooth.UUID, svc HostedService) error {
	configs := make([]bluetooth.CharacteristicConfig, 0, len(svc.Characteristics))
	handles := make(map[string]*bluetooth.Characteristic, len(svc.Characteristics))
	for _, hc := range svc.Characteristics {
		charUUID, err := bluetooth.ParseUUID(hc.UUID)
		if err != nil {
			return fmt.Errorf("ble: parse characteristic UUID %q: %w", hc.UUID, err)
		}
		handle := new(bluetooth.Characteristic)
		handles[hc.UUID] = handle
		onWrite := hc.OnWrite
		configs = append(configs, bluetooth.CharacteristicConfig{
			Handle: handle,
			UUID:   charUUID,
			Flags: bluetooth.CharacteristicReadPermission |
				bluetooth.CharacteristicWritePermission |
				bluetooth.CharacteristicWriteWithoutResponsePermission |
				bluetooth.CharacteristicNotifyPermission,
			WriteEvent: func(client bluetooth.Connection, offset int, value []byte) {
				if onWrite == nil {
					return
				}
				cp := make([]byte, len(value))
				copy(cp, value)
				onWrite(cp)
			},
		})
	}

	if err := a.adapter.AddService(&bluetooth.Service{
		UUID:            svcUUID,
		Characteristics: configs,
	}); err != nil {
		return fmt.Errorf("ble: add service %s: %w", svc.UUID, err)
	}
	for uuid, h := range handles {
		a.hosted[uuid] = h
	}
	return nil
}

func (a *TinyGoAdapter) StopAdvertising() error {
	a.advMu.Lock()
	defer a.advMu.Unlock()
	if !a.advertising {
		return nil
	}
	a.advertising = false
	a.advKey = ""
	if err := a.adv.Stop(); err != nil {
		return fmt.Errorf("ble: stop advertising: %w", err)
	}
	return nil
}

func (a *TinyGoAdapter) Publish(charUUID string, value []byte) error {
	a.advMu.Lock()
	h, ok := a.hosted[charUUID]
	a.advMu.Unlock()
	if !ok {
		return fmt.Errorf("ble: characteristic %s is not hosted", charUUID)
	}
	if _, err := h.Write(value); err != nil {
		return fmt.Errorf("ble: publish %s: %w", charUUID, err)
	}
	return nil
}
