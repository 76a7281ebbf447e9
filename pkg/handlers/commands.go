package handlers

// ClientCloseCommand asks a transport session to shut down.
type ClientCloseCommand struct {
	TransportId string
	Reason      string
}
