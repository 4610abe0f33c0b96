package adapters

import (
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/moolen/faultline/internal/config"
	"github.com/moolen/faultline/internal/diagnosis/types"
)

// Device is an inventory entry with credentials resolved.
type Device struct {
	ID       string
	Address  string
	Username string
	Password string
	KeyPath  string
	Platform string
}

// Inventory resolves device IDs to connection details. Lookups are
// case-insensitive.
type Inventory struct {
	devices map[string]Device
}

// NewInventory builds an inventory, resolving password_env references.
func NewInventory(devices []config.DeviceConfig) (*Inventory, error) {
	inv := &Inventory{devices: make(map[string]Device, len(devices))}
	for _, d := range devices {
		password := d.Password
		if d.PasswordEnv != "" {
			v, ok := os.LookupEnv(d.PasswordEnv)
			if !ok {
				return nil, fmt.Errorf("device %s: environment variable %s is not set", d.ID, d.PasswordEnv)
			}
			password = v
		}
		inv.devices[strings.ToLower(d.ID)] = Device{
			ID:       d.ID,
			Address:  d.Address,
			Username: d.Username,
			Password: password,
			KeyPath:  d.KeyPath,
			Platform: d.Platform,
		}
	}
	return inv, nil
}

// Lookup returns the device with the given ID.
func (i *Inventory) Lookup(id string) (Device, bool) {
	if i == nil {
		return Device{}, false
	}
	d, ok := i.devices[strings.ToLower(id)]
	return d, ok
}

// sshOptions are shared by the SSH based adapters.
type sshOptions struct {
	Port           int           `yaml:"port"`
	KnownHostsPath string        `yaml:"known_hosts"`
	DialTimeout    time.Duration `yaml:"dial_timeout"`
}

// clientConfig builds the SSH client configuration for dev. Without a
// known_hosts file host keys are not verified.
func (o sshOptions) clientConfig(dev Device) (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod
	if dev.KeyPath != "" {
		key, err := os.ReadFile(dev.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("read key for %s: %w", dev.ID, err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("parse key for %s: %w", dev.ID, err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if dev.Password != "" {
		auth = append(auth, ssh.Password(dev.Password))
	}

	hostKey := ssh.InsecureIgnoreHostKey()
	if o.KnownHostsPath != "" {
		cb, err := knownhosts.New(o.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("load known_hosts: %w", err)
		}
		hostKey = cb
	}

	timeout := o.DialTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ssh.ClientConfig{
		User:            dev.Username,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         timeout,
	}, nil
}

// dial opens a fresh SSH connection to dev. The connection is closed when
// ctx ends, which unblocks any session I/O in progress. A device that
// cannot be reached is reported as unavailable so the executor falls back.
func (o sshOptions) dial(ctx context.Context, adapter string, dev Device) (*ssh.Client, func(), error) {
	cfg, err := o.clientConfig(dev)
	if err != nil {
		return nil, nil, err
	}
	addr := dev.Address
	if _, _, err := net.SplitHostPort(addr); err != nil && o.Port > 0 {
		addr = net.JoinHostPort(addr, fmt.Sprint(o.Port))
	}

	d := net.Dialer{Timeout: cfg.Timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		return nil, nil, types.NewUnavailable(adapter, dev.ID, "dial %s: %v", addr, err)
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })

	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		stop()
		conn.Close()
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		return nil, nil, fmt.Errorf("ssh handshake with %s: %w", dev.ID, err)
	}
	client := ssh.NewClient(c, chans, reqs)
	return client, func() {
		stop()
		client.Close()
	}, nil
}
