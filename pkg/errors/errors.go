package errors

import "fmt"

type Underflow struct {
	MessageName string
	MsgSize     int
	MinimumSize int
}

func (e *Underflow) Error() string {
	return fmt.Sprintf("Message parsing underflowed (type=%s), provided %d bytes, needed at least %d", e.MessageName, e.MsgSize, e.MinimumSize)
}

type InvalidHeaderVersion struct {
	ExpectedMagicNumber uint32
	ActualMagicNumber   uint32
	ExpectedVersion     uint8
	ActualVersion       uint8
}

func (e *InvalidHeaderVersion) Error() string {
	return fmt.Sprintf("Invalid header: expected MagicNumber=%d, got MagicNumber=%d. Expected version %d, got %d", e.ExpectedMagicNumber, e.ActualMagicNumber, e.ExpectedVersion, e.ActualVersion)
}

type InvalidEnumValue struct {
	EnumName string
	Value    string
}

func (e *InvalidEnumValue) Error() string {
	return fmt.Sprintf("Invalid enum value=%q (enum: %s)", e.Value, e.EnumName)
}

type MissingFieldError struct {
	MessageName string
	FieldName   string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("Missing field %s in message type %s", e.FieldName, e.MessageName)
}

type NameCollision struct {
	CollisionContext string
	Name             string
}

func (e *NameCollision) Error() string {
	return fmt.Sprintf("Name collision for name '%s' in context '%s'", e.Name, e.CollisionContext)
}

type InvalidTargetCount struct {
	MessageTypeName string
	Expected        string
	Actual          int
}

func (e *InvalidTargetCount) Error() string {
	return fmt.Sprintf("Message type %s expects %s target(s), got %d", e.MessageTypeName, e.Expected, e.Actual)
}

//
// Resolution errors. These are attached to a single responder and never abort
// processing of the other targets of the same message.

type UnknownReceiver struct {
	NameOrId string
}

func (e *UnknownReceiver) Error() string {
	return fmt.Sprintf("No connected client with id or name '%s'", e.NameOrId)
}

type NotAMessageHandler struct {
	ClientId        string
	MessageTypeName string
}

func (e *NotAMessageHandler) Error() string {
	return fmt.Sprintf("Client %s is not a registered handler for message type %s", e.ClientId, e.MessageTypeName)
}

type NoLiveConnection struct {
	ClientId string
}

func (e *NoLiveConnection) Error() string {
	return fmt.Sprintf("Client %s has no live connection", e.ClientId)
}

type MissingTransport struct {
	TransportType string
}

func (e *MissingTransport) Error() string {
	return fmt.Sprintf("No transport registered for transport type %s", e.TransportType)
}

//
// Delivery errors

type DeliveryFailed struct {
	ClientId      string
	TransportType string
	Underlying    error
}

func (e *DeliveryFailed) Error() string {
	return fmt.Sprintf("Failed to deliver to client %s over %s: %v", e.ClientId, e.TransportType, e.Underlying)
}

func (e *DeliveryFailed) Unwrap() error {
	return e.Underlying
}

type MissingClient struct {
	ClientId string
}

func (e *MissingClient) Error() string {
	return fmt.Sprintf("Missing client with id=%s", e.ClientId)
}

type MissingPendingResponse struct {
	MessageId string
}

func (e *MissingPendingResponse) Error() string {
	return fmt.Sprintf("No pending response tracked for message id=%s", e.MessageId)
}

type RetriesExhausted struct {
	MessageId string
	Receiver  string
	Attempts  int
}

func (e *RetriesExhausted) Error() string {
	return fmt.Sprintf("Delivery of message %s to %s failed after %d retries", e.MessageId, e.Receiver, e.Attempts)
}

//
// Transport errors

type OutgoingQueueFull struct {
	TransportId string
}

func (e *OutgoingQueueFull) Error() string {
	return fmt.Sprintf("Outgoing queue full for transport session %s", e.TransportId)
}

type SessionClosed struct {
	TransportId string
}

func (e *SessionClosed) Error() string {
	return fmt.Sprintf("Transport session %s is closed", e.TransportId)
}

type FrameTooLarge struct {
	Size    int
	MaxSize int
}

func (e *FrameTooLarge) Error() string {
	return fmt.Sprintf("Frame of %d bytes exceeds the limit of %d bytes", e.Size, e.MaxSize)
}

//
// Payload errors

type InvalidPayload struct {
	Reason string
}

func (e *InvalidPayload) Error() string {
	return fmt.Sprintf("Invalid payload: %s", e.Reason)
}
