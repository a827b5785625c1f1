package authenticator

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
)

// NdsctlConfig holds reachability for an OpenWrt router running openNDS.
type NdsctlConfig struct {
	Address    string
	Port       int
	Username   string
	Password   string
	PrivateKey string
}

// NdsctlClient authorizes devices by driving ndsctl over SSH on the router.
type NdsctlClient struct {
	config    NdsctlConfig
	sshConfig *ssh.ClientConfig
	logger    *zap.Logger
}

// NewNdsctlClient creates a router client. Password or private key required.
func NewNdsctlClient(config NdsctlConfig, logger *zap.Logger) (*NdsctlClient, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Port == 0 {
		config.Port = 22
	}
	if config.Username == "" {
		config.Username = "root"
	}

	var authMethods []ssh.AuthMethod
	if config.Password != "" {
		authMethods = append(authMethods, ssh.Password(config.Password))
	}
	if config.PrivateKey != "" {
		signer, err := ssh.ParsePrivateKey([]byte(config.PrivateKey))
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		authMethods = append(authMethods, ssh.PublicKeys(signer))
	}
	if len(authMethods) == 0 {
		return nil, fmt.Errorf("no authentication method provided (password or private key required)")
	}

	return &NdsctlClient{
		config: config,
		sshConfig: &ssh.ClientConfig{
			User:            config.Username,
			Auth:            authMethods,
			HostKeyCallback: ssh.InsecureIgnoreHostKey(),
			Timeout:         10 * time.Second,
		},
		logger: logger,
	}, nil
}

// Authorize allows a device online until the record's expiry.
func (c *NdsctlClient) Authorize(ctx context.Context, rec Record) error {
	mac := NormalizeMAC(rec.Device)
	seconds := int(time.Until(rec.ExpiresAt).Seconds())
	if seconds <= 0 {
		return fmt.Errorf("record for %s already expired", mac)
	}

	c.logger.Info("authorizing device",
		zap.String("mac", mac),
		zap.String("station", rec.StationID),
		zap.Int("seconds", seconds),
	)

	output, err := c.run(ctx, fmt.Sprintf("ndsctl auth %s %d", mac, seconds))
	if err != nil {
		return fmt.Errorf("failed to authorize %s: %w", mac, err)
	}
	if strings.Contains(output, "not found") {
		return fmt.Errorf("device %s not connected to the hotspot", mac)
	}
	return nil
}

// Deauthorize removes a device from the authorized list. A device the router
// no longer knows is treated as already deauthorized.
func (c *NdsctlClient) Deauthorize(ctx context.Context, device, stationID string) error {
	mac := NormalizeMAC(device)
	c.logger.Info("deauthorizing device", zap.String("mac", mac), zap.String("station", stationID))

	output, err := c.run(ctx, fmt.Sprintf("ndsctl deauth %s", mac))
	if err != nil {
		if strings.Contains(err.Error(), "not found") {
			return nil
		}
		return fmt.Errorf("failed to deauthorize %s: %w", mac, err)
	}
	if strings.Contains(output, "not found") {
		c.logger.Debug("device already deauthorized", zap.String("mac", mac))
	}
	return nil
}

func (c *NdsctlClient) run(ctx context.Context, cmd string) (string, error) {
	addr := net.JoinHostPort(c.config.Address, fmt.Sprintf("%d", c.config.Port))

	client, err := ssh.Dial("tcp", addr, c.sshConfig)
	if err != nil {
		return "", fmt.Errorf("SSH connection failed: %w", err)
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return "", fmt.Errorf("failed to create SSH session: %w", err)
	}
	defer session.Close()

	output, err := session.CombinedOutput(cmd)
	if err != nil {
		if len(output) > 0 {
			return string(output), nil
		}
		return "", fmt.Errorf("command failed: %w", err)
	}
	return string(output), nil
}
