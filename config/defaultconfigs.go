package config

// Embedded board files, keyed by device id.

const cfgESP32S3DevKit = `
device: esp32s3-devkit
tx:
  - name: led
    gpio: 48
    resolution_hz: 10000000
    queue_depth: 2
  - name: ir_tx
    gpio: 17
    resolution_hz: 1000000
    carrier:
      frequency_hz: 38000
      duty_cycle: 0.33
rx:
  - name: ir_rx
    gpio: 18
    resolution_hz: 1000000
    invert: true
    signal_range_min_ns: 1250
    signal_range_max_ns: 12000000
`

// cfgSimLoopback wires a TX and an RX channel to the same pin of the
// simulated platform.
const cfgSimLoopback = `
device: sim-loopback
tx:
  - name: link_tx
    gpio: 5
    resolution_hz: 10000000
  - name: strip
    gpio: 8
    resolution_hz: 10000000
    queue_depth: 1
rx:
  - name: link_rx
    gpio: 5
    resolution_hz: 10000000
    mem_block_symbols: 96
    signal_range_min_ns: 1000
    signal_range_max_ns: 1000000
`

var embeddedConfigs = map[string][]byte{
	"esp32s3-devkit": []byte(cfgESP32S3DevKit),
	"sim-loopback":   []byte(cfgSimLoopback),
}
