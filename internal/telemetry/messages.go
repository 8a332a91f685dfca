// Package telemetry builds and routes the node's outbound messages over
// whichever path the failover controller currently allows.
package telemetry

import "fmt"

// Origin is the identity block stamped on every JSON message. Via is
// "wifi" for messages published by their origin node and "relay" when a
// sibling forwarded them. Failover is a boolean: the edge consumers
// alert on `failover is True`, not on a mode name.
type Origin struct {
	TeamID          string `json:"teamId"`
	FFID            string `json:"ffId"`
	NodeID          string `json:"nodeId"`
	OriginNodeID    string `json:"originNodeId"`
	Via             string `json:"via"`
	Failover        bool   `json:"failover"`
	ForwardHopCount int    `json:"forwardHopCount"`
	ObservedAt      string `json:"observedAt"`
}

// Environment carries the gas and climate readings.
type Environment struct {
	Origin
	TempC        *float64 `json:"tempC"`
	HumidityPct  *float64 `json:"humidityPct"`
	GasRawADC    int      `json:"gasRawADC"`
	GasDigital   bool     `json:"gasDigital"`
	COPpm        *float64 `json:"coPpm"`
	RadioRSSIDbm int      `json:"radioRssiDbm"`
	Source       string   `json:"source"`
}

// Biomedical carries heart rate and HRV. Metric pointers are nil while
// the value is unavailable, which JSON renders as null.
type Biomedical struct {
	Origin
	HRBpm      *int     `json:"hrBpm"`
	RRMs       *float64 `json:"rrMs"`
	SDNNMs     *float64 `json:"sdnnMs"`
	RMSSDMs    *float64 `json:"rmssdMs"`
	WearableOK bool     `json:"wearableOk"`
	Source     string   `json:"source"`
}

// GatewayHealth is the node self-report. Failover matches the boolean
// convention of the other messages; the mode name rides alongside.
type GatewayHealth struct {
	NodeID          string  `json:"nodeId"`
	Failover        bool    `json:"failover"`
	FailoverMode    string  `json:"failoverMode"`
	ObservedAt      string  `json:"observedAt"`
	UplinkReal      bool    `json:"uplinkReal"`
	UplinkEffective bool    `json:"uplinkEffective"`
	BLEOK           bool    `json:"bleOk"`
	ECGOn           bool    `json:"ecgOn"`
	ECGPacketsTotal uint64  `json:"ecgPacketsTotal"`
	ECGDropTotal    uint64  `json:"ecgDropTotal"`
	RadioRSSIDbm    int     `json:"radioRssiDbm"`
	UptimeSec       uint64  `json:"uptimeSec"`
	Load1           float64 `json:"load1"`
	MemUsedPct      float64 `json:"memUsedPct"`
}

// Topics groups the topic builders under one namespace root.
type Topics struct {
	Namespace string
}

func (t Topics) Environment(teamID, ffID string) string {
	return fmt.Sprintf("%s/Environment/%s/%s", t.Namespace, teamID, ffID)
}

func (t Topics) Biomedical(teamID, ffID string) string {
	return fmt.Sprintf("%s/Biomedical/%s/%s", t.Namespace, teamID, ffID)
}

func (t Topics) Gateway(nodeID string) string {
	return fmt.Sprintf("%s/Gateway/%s", t.Namespace, nodeID)
}

// RawECG is outside the namespace on purpose; the backend treats the raw
// stream as a separate firehose.
func (t Topics) RawECG(teamID, ffID string) string {
	return fmt.Sprintf("raw/ECG/%s/%s", teamID, ffID)
}
