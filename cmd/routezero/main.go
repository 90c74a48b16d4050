package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/Travis-Britz/routezero"
	"github.com/cloudflare/cloudflare-go"
	"golang.org/x/term"
)

var config = struct {
	NetworkID string
	Zone      string
	CFKeyFile string
	ZTKeyFile string
	OwnerTag  string
	TTL       int
	Interval  time.Duration
	Verbose   bool
}{}

var logger *log.Logger = log.New(io.Discard, "", log.LstdFlags)

func init() {
	flag.StringVar(&config.NetworkID, "n", config.NetworkID, "ZeroTier network ID to mirror into DNS")
	flag.StringVar(&config.Zone, "z", config.Zone, "DNS zone that will hold member records")
	flag.StringVar(&config.CFKeyFile, "cfkey", filepath.Join(os.Getenv("HOME"), ".cloudflare"), "Path to cloudflare API credentials file")
	flag.StringVar(&config.ZTKeyFile, "ztkey", filepath.Join(os.Getenv("HOME"), ".zerotier-central"), "Path to zerotier central API credentials file")
	flag.StringVar(&config.OwnerTag, "owner", routezero.DefaultOwnerTag, "Record comment marking records owned by this tool")
	flag.IntVar(&config.TTL, "ttl", 300, "TTL in seconds for created records")
	flag.DurationVar(&config.Interval, "i", 0, "Duration to wait between reconciliation passes (0 runs a single pass)")
	flag.BoolVar(&config.Verbose, "v", false, "Enable verbose logging")
	flag.Parse()

	if config.Verbose {
		logger = log.Default()
	}
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {

	if err := validate(); err != nil {
		return fmt.Errorf("run: %w", err)
	}
	logger.Printf("config is valid: %+v", config)

	cfkey, err := loadToken("CLOUDFLARE_ZONE_TOKEN", config.CFKeyFile, setupCloudflare)
	if err != nil {
		return fmt.Errorf("error reading cloudflare key: %w", err)
	}
	ztkey, err := loadToken("ZEROTIER_CENTRAL_TOKEN", config.ZTKeyFile, setupZeroTier)
	if err != nil {
		return fmt.Errorf("error reading zerotier key: %w", err)
	}

	client, err := routezero.New(config.NetworkID, config.Zone,
		routezero.UsingZeroTier(ztkey),
		routezero.UsingCloudflare(cfkey),
		routezero.WithOwnerTag(config.OwnerTag),
		routezero.WithRecordTTL(config.TTL),
		routezero.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("error creating routezero.Client: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	outcome, err := client.Run(ctx)
	if err != nil {
		return fmt.Errorf("run: %w", err)
	}
	fmt.Println(outcome)

	if config.Interval > 0 {
		routezero.RunDaemon(client, ctx, config.Interval, log.Default())
		<-ctx.Done()
	}

	return nil
}

// loadToken returns the provider token from envvar if set,
// otherwise from the first line of keyfile,
// running setup to create the file when it doesn't exist yet.
func loadToken(envvar string, keyfile string, setup func(keyfile string) error) (string, error) {
	if key := os.Getenv(envvar); key != "" {
		return key, nil
	}
	_, err := os.Stat(keyfile)
	if os.IsNotExist(err) {
		logger.Printf("key file \"%s\" does not exist\n", keyfile)
		if err := setup(keyfile); err != nil {
			return "", fmt.Errorf("setup: %w", err)
		}
	}
	if err := verifyPermissions(keyfile); err != nil {
		return "", err
	}
	return readKey(keyfile)
}

func setupCloudflare(keyfile string) error {
	logger.Println("running cloudflare setup")
	key, err := promptKey("Enter Cloudflare API Key: ")
	if err != nil {
		return err
	}

	api, err := cloudflare.NewWithAPIToken(key)
	if err != nil {
		return fmt.Errorf("error creating api client: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	logger.Println("verifying token...")
	result, err := api.VerifyAPIToken(ctx)
	if err != nil {
		return fmt.Errorf("unable to verify api token: %w", err)
	}
	if result.Status != "active" {
		return fmt.Errorf("expected api token status to be \"active\"; got \"%s\"", result.Status)
	}
	logger.Println("token verified successfully")

	return writeKey(keyfile, key)
}

func setupZeroTier(keyfile string) error {
	logger.Println("running zerotier setup")
	key, err := promptKey("Enter ZeroTier Central API Token: ")
	if err != nil {
		return err
	}
	return writeKey(keyfile, key)
}

func promptKey(prompt string) (string, error) {
	time.Sleep(200 * time.Millisecond) // dirty timer hack to try to get stderr and stdout output lines to display in order
	fmt.Println(prompt)
	bytekey, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		return "", fmt.Errorf("error reading from stdin: %w", err)
	}
	return string(bytekey), nil
}

func writeKey(keyfile string, key string) error {
	logger.Printf("creating key file at \"%s\"\n", keyfile)
	f, err := os.OpenFile(keyfile, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("unable to create \"%s\": %w", keyfile, err)
	}
	defer f.Close()
	fmt.Fprintln(f, key)
	logger.Printf("token written to \"%s\"\n", keyfile)
	return nil
}

func readKey(path string) (key string, err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("error reading key: %w", err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	keyb, _, err := r.ReadLine()
	if err != nil {
		return "", fmt.Errorf("error reading line: %w", err)
	}
	return string(keyb), nil
}

func validate() error {

	if config.NetworkID == "" {
		return errors.New("network ID cannot be empty")
	}

	if config.Zone == "" || !strings.Contains(config.Zone, ".") {
		return errors.New("zone must be a domain name with at least one dot")
	}

	return nil
}

func verifyPermissions(path string) error {

	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("error checking keyfile permissions: %w", err)
	}

	perms := info.Mode().Perm()
	// Error messages will state that we want 0600,
	// but we'll also accept 0400 which is even more restricted.
	// The file might be provided by some secrets managing software as readonly.
	if perms != 0600 && perms != 0400 {
		return fmt.Errorf("invalid permissions for \"%s\": expected file permissions \"-rw-------\"; found \"%s\"", path, fs.FileMode(perms))
	}

	return nil
}
