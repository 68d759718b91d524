// Package ocpp carries the payload types of the few OCPP actions this
// module ships with. The full per-action data model is generated
// elsewhere; these are enough to run and exercise a node.
package ocpp

import (
	"time"

	"ocppmesh/internal/action"
)

const (
	ActionBootNotification = "BootNotification"
	ActionHeartbeat        = "Heartbeat"
	ActionGetConfiguration = "GetConfiguration"
	ActionDataTransfer     = "DataTransfer"
)

type RegistrationStatus string

const (
	RegistrationAccepted RegistrationStatus = "Accepted"
	RegistrationPending  RegistrationStatus = "Pending"
	RegistrationRejected RegistrationStatus = "Rejected"
)

type ChargingStation struct {
	Model           string `json:"model"`
	VendorName      string `json:"vendorName"`
	SerialNumber    string `json:"serialNumber,omitempty"`
	FirmwareVersion string `json:"firmwareVersion,omitempty"`
}

type BootNotificationRequest struct {
	ChargingStation ChargingStation `json:"chargingStation"`
	Reason          string          `json:"reason"`
}

type StatusInfo struct {
	ReasonCode     string `json:"reasonCode"`
	AdditionalInfo string `json:"additionalInfo,omitempty"`
}

type BootNotificationResponse struct {
	CurrentTime time.Time          `json:"currentTime"`
	Interval    int                `json:"interval"`
	Status      RegistrationStatus `json:"status"`
	StatusInfo  *StatusInfo        `json:"statusInfo,omitempty"`
}

type HeartbeatRequest struct{}

type HeartbeatResponse struct {
	CurrentTime time.Time `json:"currentTime"`
}

type GetConfigurationRequest struct {
	Key []string `json:"key,omitempty"`
}

type ConfigurationKey struct {
	Key      string  `json:"key"`
	Readonly bool    `json:"readonly"`
	Value    *string `json:"value,omitempty"`
}

type GetConfigurationResponse struct {
	ConfigurationKey []ConfigurationKey `json:"configurationKey"`
	UnknownKey       []string           `json:"unknownKey,omitempty"`
}

type DataTransferStatus string

const (
	DataTransferAccepted         DataTransferStatus = "Accepted"
	DataTransferRejected         DataTransferStatus = "Rejected"
	DataTransferUnknownVendorID  DataTransferStatus = "UnknownVendorId"
	DataTransferUnknownMessageID DataTransferStatus = "UnknownMessageId"
)

type DataTransferRequest struct {
	VendorID  string `json:"vendorId"`
	MessageID string `json:"messageId,omitempty"`
	Data      any    `json:"data,omitempty"`
}

type DataTransferResponse struct {
	Status     DataTransferStatus `json:"status"`
	Data       any                `json:"data,omitempty"`
	StatusInfo *StatusInfo        `json:"statusInfo,omitempty"`
}

// Register adds the shipped actions and their codecs to b.
func Register(b *action.Builder) *action.Builder {
	b.Register(ActionBootNotification, action.NewJSONCodec[BootNotificationRequest](func(reason string) BootNotificationResponse {
		return BootNotificationResponse{
			CurrentTime: time.Now().UTC(),
			Status:      RegistrationRejected,
			StatusInfo:  &StatusInfo{ReasonCode: reason},
		}
	}))
	b.Register(ActionHeartbeat, action.NewJSONCodec[HeartbeatRequest](func(string) HeartbeatResponse {
		return HeartbeatResponse{CurrentTime: time.Now().UTC()}
	}))
	b.Register(ActionGetConfiguration, action.NewJSONCodec[GetConfigurationRequest](func(string) GetConfigurationResponse {
		return GetConfigurationResponse{ConfigurationKey: []ConfigurationKey{}}
	}))
	b.Register(ActionDataTransfer, action.NewJSONCodec[DataTransferRequest](func(reason string) DataTransferResponse {
		return DataTransferResponse{
			Status:     DataTransferRejected,
			StatusInfo: &StatusInfo{ReasonCode: reason},
		}
	}))
	return b
}
