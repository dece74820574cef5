package rpc

import (
	"context"

	"github.com/vitalvas/elbus"
)

// Broker service methods.
const (
	MethodListClients = "list_clients"
	MethodInfo        = "info"
	MethodTest        = "test"
)

// ClientEntry is one client in a list_clients reply.
type ClientEntry struct {
	Name   string `cbor:"name"`
	Kind   string `cbor:"kind"`
	Source string `cbor:"source,omitempty"`
	Port   string `cbor:"port,omitempty"`
}

// ClientList is the list_clients reply.
type ClientList struct {
	Clients []ClientEntry `cbor:"clients"`
}

// BrokerInfo is the info reply.
type BrokerInfo struct {
	ID      string  `cbor:"id"`
	Version string  `cbor:"version"`
	Uptime  float64 `cbor:"uptime"`
	Clients int     `cbor:"clients"`
}

type empty struct{}

// ServeBroker registers the broker's own client and serves the broker
// service on it. Closing the endpoint deregisters the client.
func ServeBroker(b *elbus.Broker, opts ...Option) (*Endpoint, error) {
	h, err := b.RegisterInternal(elbus.BrokerClientName)
	if err != nil {
		return nil, err
	}

	base := []Option{
		WithPool(b.Pool()),
		WithLogger(b.Logger()),
		WithMetrics(b.Metrics()),
		WithTimeout(b.Timeout()),
		WithHandler(MethodListClients, TypedHandler(func(context.Context, string, empty) (*ClientList, error) {
			return listClients(b), nil
		})),
		WithHandler(MethodInfo, TypedHandler(func(context.Context, string, empty) (*BrokerInfo, error) {
			info := b.Info()
			return &BrokerInfo{
				ID:      info.ID,
				Version: info.Version,
				Uptime:  info.Uptime.Seconds(),
				Clients: info.Clients,
			}, nil
		})),
		WithHandler(MethodTest, HandlerFunc(func(context.Context, *Request) ([]byte, error) {
			return nil, nil
		})),
	}

	e := NewEndpoint(h, append(base, opts...)...)
	e.release = func() { h.Close() }
	return e, nil
}

func listClients(b *elbus.Broker) *ClientList {
	clients := b.Clients()
	list := &ClientList{Clients: make([]ClientEntry, 0, len(clients))}
	for _, c := range clients {
		list.Clients = append(list.Clients, ClientEntry{
			Name:   c.Name,
			Kind:   string(c.Kind),
			Source: c.Source,
			Port:   c.Port,
		})
	}
	return list
}
