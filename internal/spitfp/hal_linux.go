//go:build linux

package spitfp

import (
	"fmt"

	"periph.io/x/periph/conn/gpio"
	"periph.io/x/periph/conn/gpio/gpioreg"
	"periph.io/x/periph/conn/physic"
	"periph.io/x/periph/conn/spi"
	"periph.io/x/periph/conn/spi/spireg"
)

// periphHAL drives one SPI device through periph.io/x/periph, grounded
// on other_examples' google-periph sysfs-spi driver
// (host/sysfs-spi.go's spireg.Open + Connect + Tx pattern). The
// gpio/wiringpi chip-select drivers of spec §6 are both expressed here
// as an optional periph gpioreg pin asserted around each Tx, since
// periph.io exposes chip-select GPIOs uniformly regardless of the
// underlying board's numbering scheme.
type periphHAL struct {
	port spi.PortCloser
	conn spi.Conn
	cs   gpio.PinOut // nil when the hardware driver's own CS line is used (spec §6 csM.driver == "hardware")
}

// OpenPeriphHAL opens devName (e.g. "/dev/spidev0.0") at the given
// clock speed and, for a non-hardware chip-select driver, resolves
// csName via gpioreg to drive it manually.
func OpenPeriphHAL(devName string, speed physic.Frequency, csDriver ChipSelectDriver, csName string) (HAL, error) {
	port, err := spireg.Open(devName)
	if err != nil {
		return nil, fmt.Errorf("spitfp: open %s: %w", devName, err)
	}
	conn, err := port.Connect(speed, spi.Mode3, 8)
	if err != nil {
		port.Close()
		return nil, fmt.Errorf("spitfp: connect %s: %w", devName, err)
	}

	h := &periphHAL{port: port, conn: conn}
	if csDriver != ChipSelectHardware && csName != "" {
		pin := gpioreg.ByName(csName)
		if pin == nil {
			port.Close()
			return nil, fmt.Errorf("spitfp: gpio chip-select %q not found", csName)
		}
		h.cs = pin
	}
	return h, nil
}

func (h *periphHAL) Transfer(tx, rx []byte) error {
	if h.cs != nil {
		if err := h.cs.Out(gpio.Low); err != nil {
			return err
		}
		defer h.cs.Out(gpio.High)
	}
	return h.conn.Tx(tx, rx)
}

func (h *periphHAL) Close() error {
	return h.port.Close()
}
