// Command mailsync is the per-account synchronization engine (spec.md §1):
// one process per mail account, talking line-delimited JSON with its parent
// over stdin/stdout and IMAP/CardDAV/CalDAV/SMTP with the outside world.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/emersion/go-webdav"
	"github.com/hkdb/aerion/internal/accountconfig"
	"github.com/hkdb/aerion/internal/dav"
	"github.com/hkdb/aerion/internal/deltastream"
	"github.com/hkdb/aerion/internal/dispatcher"
	"github.com/hkdb/aerion/internal/imap"
	"github.com/hkdb/aerion/internal/imapsync"
	"github.com/hkdb/aerion/internal/logging"
	"github.com/hkdb/aerion/internal/metadataexpiry"
	"github.com/hkdb/aerion/internal/metadatastream"
	oauth2config "github.com/hkdb/aerion/internal/oauth2"
	"github.com/hkdb/aerion/internal/oauth2cache"
	"github.com/hkdb/aerion/internal/smtp"
	"github.com/hkdb/aerion/internal/store"
	"github.com/hkdb/aerion/internal/task"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
)

// logMaxBytes/logMaxBackups match spec.md §6: "rotating at 5 MB × 3".
const (
	logMaxBytes   = 5 * 1024 * 1024
	logMaxBackups = 3
)

// Exit codes per spec.md §6.
const (
	exitOK            = 0
	exitBadArgsOrTest = 1
)

func main() {
	accountConfigPath := flag.String("account-config", "", "path to the account connection JSON document")
	testMode := flag.Bool("test", false, "run account-test mode: verify credentials, emit one JSON result, exit")
	flag.Parse()

	configDir := os.Getenv("CONFIG_DIR_PATH")
	identityServer := os.Getenv("IDENTITY_SERVER")
	if configDir == "" || identityServer == "" {
		fmt.Fprintln(os.Stderr, "mailsync: CONFIG_DIR_PATH and IDENTITY_SERVER must both be set")
		os.Exit(exitBadArgsOrTest)
	}
	if *accountConfigPath == "" {
		fmt.Fprintln(os.Stderr, "mailsync: -account-config is required")
		os.Exit(exitBadArgsOrTest)
	}

	cfg, err := accountconfig.Load(*accountConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mailsync: %v\n", err)
		os.Exit(exitBadArgsOrTest)
	}

	if err := os.MkdirAll(filepath.Join(configDir, "files"), 0700); err != nil {
		fmt.Fprintf(os.Stderr, "mailsync: create attachments dir: %v\n", err)
		os.Exit(exitBadArgsOrTest)
	}

	logPath := filepath.Join(configDir, fmt.Sprintf("mailsync-%s.log", cfg.AccountID))
	logFile, err := logging.OpenRotatingFile(logPath, logMaxBytes, logMaxBackups)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mailsync: %v\n", err)
		os.Exit(exitBadArgsOrTest)
	}
	defer logFile.Close()
	logging.Configure(logFile, os.Getenv("MAILSYNC_DEBUG") != "")

	log := logging.WithComponent("main").With().Str("account", cfg.AccountID).Logger()

	dbPath := filepath.Join(configDir, fmt.Sprintf("mailsync-%s.db", cfg.AccountID))
	db, err := store.Open(dbPath)
	if err != nil {
		log.Error().Err(err).Msg("open store")
		os.Exit(exitBadArgsOrTest)
	}
	defer db.Close()

	oauthCache := buildOAuthCache(cfg)

	if *testMode {
		runAccountTest(db, cfg, oauthCache)
		return
	}

	lineWriter := deltastream.NewLineWriter(os.Stdout)
	deltaBuffer := deltastream.NewBuffer(lineWriter)
	db.SetDefaultSink(deltaBuffer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGTERM, syscall.SIGINT)
		<-sig
		cancel()
	}()

	deltaBuffer.Start(ctx)
	defer deltaBuffer.Stop()

	pool := imap.NewPool(imap.DefaultPoolConfig(), func(accountID string) (*imap.ClientConfig, error) {
		return imapClientConfig(cfg, oauthCache)
	})
	defer pool.CloseAll()

	identityPoster := metadatastream.NewMetadataPoster(identityServer, http.DefaultClient)
	engine := task.NewEngine(db, pool, cfg.AccountID, func(accountID string) (*imap.ClientConfig, *smtp.Config, error) {
		imapCfg, err := imapClientConfig(cfg, oauthCache)
		if err != nil {
			return nil, nil, err
		}
		smtpCfg, err := smtpClientConfig(cfg, oauthCache)
		if err != nil {
			return nil, nil, err
		}
		return imapCfg, smtpCfg, nil
	}, identityPoster)

	if err := engine.PurgeStuckLocalTasks(); err != nil {
		log.Error().Err(err).Msg("purge stuck local tasks")
	}

	backgroundWorker := imapsync.NewBackgroundSyncWorker(pool, db, cfg.AccountID)

	idleManager := imap.NewIdleManager(imap.DefaultIdleConfig(), func(accountID string) (*imap.ClientConfig, error) {
		return imapClientConfig(cfg, oauthCache)
	})
	idleManager.Start(ctx)
	defer idleManager.Stop()
	foregroundWorker := imapsync.NewForegroundIDLEWorker(pool, idleManager, db, cfg.AccountID, cfg.AccountID)
	foregroundWorker.DrainRemoteTasks = func(ctx context.Context) error {
		engine.Wake()
		return nil
	}

	bodyQueue := dispatcher.NewBodyQueue()
	needBodiesWorker := imapsync.NewNeedBodiesWorker(pool, db, cfg.AccountID, bodyQueue)

	davClient := buildDAVHTTPClient(cfg, oauthCache)
	davScheduler := discoverAndBuildDAVScheduler(ctx, db, davClient, cfg, log)

	metaStream := metadatastream.NewClient(metadatastream.Config{
		BaseURL:   identityServer,
		AccountID: cfg.AccountID,
		Client:    http.DefaultClient,
	}, db)

	expiryWorker := metadataexpiry.New(db, cfg.AccountID)

	wakers := []dispatcher.Waker{
		engine,
		backgroundWorker,
		expiryWorker,
		dispatcher.WakerFunc(func() { idleManager.RestartAccount(cfg.AccountID, cfg.AccountID) }),
	}
	if davScheduler != nil {
		wakers = append(wakers, dispatcher.WakerFunc(davScheduler.TriggerSync))
	}

	disp := dispatcher.New(os.Stdin, engine, bodyQueue, wakers...)

	go engine.Run(ctx)
	go backgroundWorker.Run(ctx)
	go foregroundWorker.Run(ctx)
	go needBodiesWorker.Run(ctx)
	expiryWorker.Start(ctx)
	defer expiryWorker.Stop()
	if davScheduler != nil {
		davScheduler.Start(ctx)
		defer davScheduler.Stop()
	}
	go func() {
		if err := metaStream.Run(ctx); err != nil {
			log.Error().Err(err).Msg("metadata stream terminated")
			cancel()
		}
	}()

	exitCode := disp.Run(ctx)
	os.Exit(exitCode)
}

func imapClientConfig(cfg *accountconfig.Config, oauthCache *oauth2cache.Cache) (*imap.ClientConfig, error) {
	c := imap.DefaultConfig()
	c.Host = cfg.IMAP.Host
	c.Port = cfg.IMAP.Port
	c.Security = imap.SecurityType(cfg.IMAP.Security)
	c.Username = cfg.IMAP.Username
	c.Password = cfg.IMAP.Password

	if cfg.UsesOAuth2() {
		token, err := oauthCache.AccessToken(context.Background(), cfg.AccountID)
		if err != nil {
			return nil, fmt.Errorf("imap oauth2 token: %w", err)
		}
		c.AuthType = imap.AuthTypeOAuth2
		c.AccessToken = token
	}
	return &c, nil
}

func smtpClientConfig(cfg *accountconfig.Config, oauthCache *oauth2cache.Cache) (*smtp.Config, error) {
	c := smtp.DefaultConfig()
	c.Host = cfg.SMTP.Host
	c.Port = cfg.SMTP.Port
	c.Security = smtp.SecurityType(cfg.SMTP.Security)
	c.Username = cfg.SMTP.Username
	c.Password = cfg.SMTP.Password

	if cfg.UsesOAuth2() {
		token, err := oauthCache.AccessToken(context.Background(), cfg.AccountID)
		if err != nil {
			return nil, fmt.Errorf("smtp oauth2 token: %w", err)
		}
		c.AuthType = smtp.AuthTypeOAuth2
		c.AccessToken = token
	}
	return &c, nil
}

func buildOAuthCache(cfg *accountconfig.Config) *oauth2cache.Cache {
	return oauth2cache.New(func(ctx context.Context, accountID string) (oauth2.TokenSource, error) {
		if !cfg.UsesOAuth2() {
			return nil, fmt.Errorf("account %s does not use oauth2", accountID)
		}
		clientID, ok := oauth2config.ClientID(cfg.OAuth2.Provider)
		if !ok {
			return nil, fmt.Errorf("no client id configured for provider %q", cfg.OAuth2.Provider)
		}
		endpoint, ok := oauth2config.Endpoint(cfg.OAuth2.Provider)
		if !ok {
			return nil, fmt.Errorf("unknown oauth2 provider %q", cfg.OAuth2.Provider)
		}
		oc := &oauth2.Config{ClientID: clientID, Endpoint: endpoint}
		if cfg.OAuth2.Provider == oauth2config.ProviderGoogle {
			// Microsoft's desktop-app registration is a public client (no
			// secret); Google's installed-app flow still expects one.
			oc.ClientSecret = oauth2config.GoogleClientSecret
		}
		return oc.TokenSource(ctx, &oauth2.Token{RefreshToken: cfg.OAuth2.RefreshToken}), nil
	})
}

// bearerHTTPClient wraps webdav requests with an OAuth2 bearer header,
// refreshed through the same cache the IMAP/SMTP clients share.
type bearerHTTPClient struct {
	accountID string
	cache     *oauth2cache.Cache
}

func (c *bearerHTTPClient) Do(req *http.Request) (*http.Response, error) {
	token, err := c.cache.AccessToken(req.Context(), c.accountID)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return http.DefaultClient.Do(req)
}

func buildDAVHTTPClient(cfg *accountconfig.Config, oauthCache *oauth2cache.Cache) webdav.HTTPClient {
	if cfg.UsesOAuth2() {
		return &bearerHTTPClient{accountID: cfg.AccountID, cache: oauthCache}
	}
	user, pass := "", ""
	if cfg.CardDAV != nil {
		user, pass = cfg.CardDAV.Username, cfg.CardDAV.Password
	} else if cfg.CalDAV != nil {
		user, pass = cfg.CalDAV.Username, cfg.CalDAV.Password
	}
	return webdav.HTTPClientWithBasicAuth(http.DefaultClient, user, pass)
}

func discoverAndBuildDAVScheduler(ctx context.Context, db *store.DB, hc webdav.HTTPClient, cfg *accountconfig.Config, log zerolog.Logger) *dav.Scheduler {
	if cfg.CardDAV == nil && cfg.CalDAV == nil {
		return nil
	}

	if cfg.CardDAV != nil {
		books, err := dav.DiscoverCardDAV(ctx, hc, cfg.AccountID, cfg.CardDAV.URL)
		if err != nil {
			log.Warn().Err(err).Msg("carddav discovery failed")
		}
		for _, b := range books {
			tx, err := db.Begin(nil)
			if err != nil {
				continue
			}
			if err := tx.SaveContactBook(b); err != nil {
				tx.Rollback()
				continue
			}
			tx.Commit()
		}
	}

	if cfg.CalDAV != nil {
		cals, err := dav.DiscoverCalDAV(ctx, hc, cfg.AccountID, cfg.CalDAV.URL)
		if err != nil {
			log.Warn().Err(err).Msg("caldav discovery failed")
		}
		for _, c := range cals {
			tx, err := db.Begin(nil)
			if err != nil {
				continue
			}
			if err := tx.SaveCalendar(c); err != nil {
				tx.Rollback()
				continue
			}
			tx.Commit()
		}
	}

	scheduler := dav.NewScheduler(db, hc, cfg.AccountID)
	return scheduler
}

// runAccountTest implements spec.md §6's "initial account-test mode":
// attempt an IMAP login, emit exactly one JSON result object, exit 0 or 1.
func runAccountTest(db *store.DB, cfg *accountconfig.Config, oauthCache *oauth2cache.Cache) {
	result := struct {
		Error        string `json:"error,omitempty"`
		ErrorService string `json:"error_service,omitempty"`
		Log          string `json:"log,omitempty"`
		Account      string `json:"account"`
	}{Account: cfg.AccountID}

	imapCfg, err := imapClientConfig(cfg, oauthCache)
	if err != nil {
		result.Error = err.Error()
		result.ErrorService = "imap"
	} else {
		client := imap.NewClient(*imapCfg)
		if err := client.Connect(); err != nil {
			result.Error = err.Error()
			result.ErrorService = "imap"
		} else if err := client.Login(); err != nil {
			result.Error = err.Error()
			result.ErrorService = "imap"
			client.Close()
		} else {
			client.Close()
		}
	}

	out, _ := json.Marshal(result)
	fmt.Println(string(out))
	if result.Error != "" {
		os.Exit(exitBadArgsOrTest)
	}
	os.Exit(exitOK)
}
