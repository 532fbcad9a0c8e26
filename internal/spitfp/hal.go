package spitfp

import "time"

// HAL is the platform SPI/GPIO seam of spec §4.7/§9 ("platform
// conditionals for SPI ... belong behind a single trait/interface with
// three implementations selected at startup"). hal_linux.go's periphHAL
// is the real implementation over periph.io/x/periph.
type HAL interface {
	// Transfer clocks len(tx) bytes out while simultaneously clocking
	// the same number of bytes into rx (full-duplex SPI transaction).
	Transfer(tx, rx []byte) error
	Close() error
}

// ChipSelectDriver selects which periph.io backend drives a port's
// chip-select line (spec §6: "bricklet.groupN.csM.driver").
type ChipSelectDriver string

const (
	ChipSelectHardware ChipSelectDriver = "hardware"
	ChipSelectGPIO     ChipSelectDriver = "gpio"
	ChipSelectWiringPi ChipSelectDriver = "wiringpi"
)

// PortConfig names one physical Bricklet port's SPI device and
// chip-select line (spec §6 bricklet.groupN/csM keys).
type PortConfig struct {
	SPIDevTemplate string // e.g. "/dev/spidev%d.0"
	Group          int
	CSDriver       ChipSelectDriver
	CSName         string
	CSNum          uint16
	SleepBetweenReads time.Duration
}
