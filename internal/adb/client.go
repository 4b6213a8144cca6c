package adb

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Client issues one-shot host service requests to the adb server.
type Client struct {
	connector *Connector
}

// NewClient creates a new host service client.
func NewClient(connector *Connector) *Client {
	return &Client{connector: connector}
}

// Connector returns the connector the client dials with.
func (c *Client) Connector() *Connector {
	return c.connector
}

// hostRequest runs a host service that answers OKAY plus one payload.
func (c *Client) hostRequest(ctx context.Context, cmd string) ([]byte, error) {
	conn, err := c.connector.Connect(ctx, "")
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	if err := conn.SendAndWaitOkay(ctx, cmd, 0, nil); err != nil {
		return nil, err
	}
	return conn.ReadPayload(0)
}

// Version returns the adb server's protocol version.
func (c *Client) Version(ctx context.Context) (int, error) {
	payload, err := c.hostRequest(ctx, "host:version")
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseInt(string(payload), 16, 32)
	if err != nil {
		return 0, fmt.Errorf("host:version: bad reply %q", payload)
	}
	return int(v), nil
}

// Devices returns all devices known to the server.
func (c *Client) Devices(ctx context.Context) ([]DeviceInfo, error) {
	payload, err := c.hostRequest(ctx, "host:devices-l")
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	return parseDeviceList(string(payload)), nil
}

// Connect connects the server to a wireless ADB device.
func (c *Client) Connect(ctx context.Context, ip string, port int) error {
	addr := net.JoinHostPort(ip, strconv.Itoa(port))
	payload, err := c.hostRequest(ctx, "host:connect:"+addr)
	if err != nil {
		return fmt.Errorf("adb connect %s: %w", addr, err)
	}
	output := string(payload)
	if strings.Contains(output, "connected") {
		return nil
	}
	return fmt.Errorf("adb connect %s: %s", addr, strings.TrimSpace(output))
}

// KillServer asks the server to exit.
func (c *Client) KillServer(ctx context.Context) error {
	conn, err := c.connector.Connect(ctx, "")
	if err != nil {
		return err
	}
	defer conn.Close()
	return conn.SendAndWaitOkay(ctx, "host:kill", 0, nil)
}

// parseDeviceList parses `host:devices-l` output.
func parseDeviceList(output string) []DeviceInfo {
	var devices []DeviceInfo
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "List of") || strings.TrimSpace(line) == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		d := DeviceInfo{
			Serial: fields[0],
			State:  ParseDeviceState(fields[1]),
		}
		// Determine connection type
		if strings.Contains(d.Serial, ":") {
			d.ConnType = WiFi
		} else if strings.HasPrefix(d.Serial, "emulator-") {
			d.ConnType = Unknown
		} else {
			d.ConnType = USB
		}
		// Parse key:value pairs
		for _, f := range fields[2:] {
			parts := strings.SplitN(f, ":", 2)
			if len(parts) != 2 {
				continue
			}
			switch parts[0] {
			case "model":
				d.Model = parts[1]
			case "product":
				d.Product = parts[1]
			case "transport_id":
				d.TransportID = parts[1]
			}
		}
		devices = append(devices, d)
	}
	return devices
}
