package node

import (
	"github.com/rs/zerolog/log"

	"github.com/sweeney/sleepy-node/internal/device"
)

// Data point URLs.
const (
	// URLSwitchLED (LED_1) is an actuator driving the switch LED.
	URLSwitchLED = "/p/o_1_1"
	// URLSwitchButton (PB_1) is a sensor toggled by the switch button.
	URLSwitchButton = "/p/o_2_2"
)

// WritableDataPoints lists the data points that accept writes from the
// network.
var WritableDataPoints = []string{URLSwitchLED}

var dataPointURLs = []string{URLSwitchLED, URLSwitchButton}

func (n *Node) loadDataPoints() {
	for _, url := range dataPointURLs {
		v, _ := n.store.DataPoint(url)
		n.dataPoints[url] = v
	}
}

// DataPoint returns the current value of a data point.
func (n *Node) DataPoint(url string) bool {
	return n.dataPoints[url]
}

// SetDataPoint updates a data point written by the network, persists it,
// echoes the new state and runs PutCallback.
func (n *Node) SetDataPoint(url string, value bool) {
	if _, ok := n.dataPoints[url]; !ok {
		log.Warn().Str("url", url).Msg("write to unknown data point")
		return
	}
	n.dataPoints[url] = value
	log.Info().Str("url", url).Bool("value", value).Msg("data point written")

	if err := n.store.SetDataPoint(url, value); err != nil {
		log.Error().Err(err).Str("url", url).Msg("persist data point")
	}
	if err := n.net.PublishDataPoint(url, value); err != nil {
		log.Warn().Err(err).Str("url", url).Msg("publish data point")
	}
	n.PutCallback(url)
}

// PutCallback actuates hardware after a data point update.
func (n *Node) PutCallback(url string) {
	if url != URLSwitchLED {
		return
	}
	if err := n.board.SetLED(device.LEDSwitch, n.dataPoints[url]); err != nil {
		log.Error().Err(err).Msg("set switch led")
	}
}

// toggleSwitch flips PB_1, publishes it and sends it to the group.
func (n *Node) toggleSwitch() {
	v := !n.dataPoints[URLSwitchButton]
	n.dataPoints[URLSwitchButton] = v
	log.Info().Bool("value", v).Msg("switch button toggled")

	if err := n.store.SetDataPoint(URLSwitchButton, v); err != nil {
		log.Error().Err(err).Msg("persist switch state")
	}
	if err := n.net.PublishDataPoint(URLSwitchButton, v); err != nil {
		log.Warn().Err(err).Msg("publish switch state")
	}
	if err := n.net.GroupWrite(URLSwitchButton, v); err != nil {
		log.Warn().Err(err).Msg("group write")
	}
}
