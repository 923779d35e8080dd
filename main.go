package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strconv"

	"github.com/gregLibert/cardwallet/internal/cardsim"
	"github.com/gregLibert/cardwallet/pkg/card"
	"github.com/gregLibert/cardwallet/pkg/pcsc"
	"github.com/gregLibert/cardwallet/pkg/photo"
	"github.com/gregLibert/cardwallet/pkg/pin"
	"github.com/gregLibert/cardwallet/pkg/wallet"
)

var (
	simulate     = flag.Bool("simulate", false, "use an in-memory card instead of a PC/SC reader")
	readerName   = flag.String("reader", "", "reader name filter (default: first reader)")
	aidHex       = flag.String("aid", hex.EncodeToString(card.DefaultApplicationID), "wallet applet AID (hex)")
	pinCode      = flag.String("pin", "", "card PIN (4 digits)")
	registryPath = flag.String("registry", "cardwallet.registry", "enrolled cards file")
	journalPath  = flag.String("journal", "", "append audit entries to this CBOR file")
	timeout      = flag.Duration("timeout", card.DefaultTransferTimeout, "photo transfer timeout")
	verbose      = flag.Bool("v", false, "log APDU traffic")
)

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), `Usage: %s [flags] <command> [args]

Commands:
  info                    show the applet FCI
  enroll                  initialize a blank card with -pin and register it
  unlock                  verify -pin and authenticate the card
  balance                 show the balance
  topup <amount>          credit the card
  pay <amount>            debit the card
  change-pin <new>        replace -pin with <new>
  photo-upload <file>     store a JPEG/PNG photo on the card
  photo-download <file>   save the card photo bytes as stored

Flags:
`, os.Args[0])
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(2)
	}

	if err := run(flag.Arg(0), flag.Args()[1:]); err != nil {
		log.Fatalf("Error: %v", err)
	}
}

func run(command string, args []string) error {
	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	aid, err := hex.DecodeString(*aidHex)
	if err != nil {
		return fmt.Errorf("invalid -aid: %w", err)
	}

	transport, registry, err := setup(command, logger)
	if err != nil {
		return err
	}

	client := card.NewClient(transport,
		card.WithLogger(logger),
		card.WithApplicationID(aid),
		card.WithTransferTimeout(*timeout),
	)
	session := card.NewSession(client)
	defer func() {
		if err := session.Close(); err != nil {
			log.Printf("Warning: Failed to disconnect card: %v", err)
		}
	}()

	audit, closeAudit, err := auditSink(logger)
	if err != nil {
		return err
	}
	defer closeAudit()

	svc := wallet.NewService(session, registry, wallet.WithLogger(logger), wallet.WithAudit(audit))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := svc.Open(ctx); err != nil {
		return err
	}
	fmt.Printf(">> Wallet applet selected: %s %s\n", client.Application().Label(), client.Application().Version())

	if *simulate && command != "enroll" {
		if _, err := svc.Enroll(ctx, *pinCode); err != nil {
			return fmt.Errorf("simulated enrollment: %w", err)
		}
	}

	if err := dispatch(ctx, svc, client, command, args); err != nil {
		return err
	}

	if command == "enroll" && !*simulate {
		return saveRegistry(registry)
	}
	return nil
}

func setup(command string, logger *slog.Logger) (card.Transport, *wallet.MemoryRegistry, error) {
	if *simulate {
		fmt.Println(">> Using simulated card")
		if command != "enroll" && *pinCode == "" {
			*pinCode = "1234"
		}
		return cardsim.New(cardsim.WithBalance(1000)), wallet.NewMemoryRegistry(), nil
	}

	registry, err := loadRegistry()
	if err != nil {
		return nil, nil, err
	}
	return pcsc.NewTransport(pcsc.WithReader(*readerName), pcsc.WithLogger(logger)), registry, nil
}

func auditSink(logger *slog.Logger) (wallet.AuditSink, func(), error) {
	slogAudit := wallet.NewSlogAudit(logger)
	if *journalPath == "" {
		return slogAudit, func() {}, nil
	}

	f, err := os.OpenFile(*journalPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, nil, fmt.Errorf("open journal: %w", err)
	}
	closeFn := func() {
		if err := f.Close(); err != nil {
			log.Printf("Warning: Failed to close journal: %v", err)
		}
	}
	return wallet.Tee{slogAudit, wallet.NewJournal(f)}, closeFn, nil
}

func loadRegistry() (*wallet.MemoryRegistry, error) {
	f, err := os.Open(*registryPath)
	if errors.Is(err, os.ErrNotExist) {
		return wallet.NewMemoryRegistry(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("open registry: %w", err)
	}
	defer f.Close()

	return wallet.LoadRegistry(f)
}

func saveRegistry(registry *wallet.MemoryRegistry) error {
	f, err := os.Create(*registryPath)
	if err != nil {
		return fmt.Errorf("create registry: %w", err)
	}
	if err := registry.Save(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func dispatch(ctx context.Context, svc *wallet.Service, client *card.Client, command string, args []string) error {
	switch command {
	case "info":
		fmt.Println(client.Application().Describe())
		return nil

	case "enroll":
		rec, err := svc.Enroll(ctx, *pinCode)
		if err != nil {
			return err
		}
		fmt.Printf(">> Card %s enrolled (RSA-%d)\n", rec.CardID, rec.PublicKey.N.BitLen())
		return nil

	case "unlock":
		return unlock(ctx, svc)

	case "balance":
		if err := unlock(ctx, svc); err != nil {
			return err
		}
		b, err := svc.Balance(ctx)
		if err != nil {
			return err
		}
		fmt.Printf(">> Balance: %d\n", b)
		return nil

	case "topup", "pay":
		amount, err := amountArg(args)
		if err != nil {
			return err
		}
		if err := unlock(ctx, svc); err != nil {
			return err
		}
		op := svc.TopUp
		if command == "pay" {
			op = svc.Pay
		}
		b, err := op(ctx, amount)
		if err != nil {
			return err
		}
		fmt.Printf(">> New balance: %d\n", b)
		return nil

	case "change-pin":
		if len(args) != 1 {
			return errors.New("change-pin needs the new PIN")
		}
		ok, err := svc.ChangePIN(ctx, *pinCode, args[0])
		if err != nil {
			return err
		}
		if !ok {
			return errors.New("current PIN rejected by the card")
		}
		fmt.Println(">> PIN changed")
		return nil

	case "photo-upload":
		if len(args) != 1 {
			return errors.New("photo-upload needs an image file")
		}
		img, err := readImage(args[0])
		if err != nil {
			return err
		}
		if err := unlock(ctx, svc); err != nil {
			return err
		}
		n, err := svc.StorePhoto(ctx, img)
		if err != nil {
			return err
		}
		fmt.Printf(">> Photo stored (%d bytes)\n", n)
		return nil

	case "photo-download":
		if len(args) != 1 {
			return errors.New("photo-download needs an output file")
		}
		data, err := svc.LoadPhotoBytes(ctx)
		if err != nil {
			return err
		}
		if err := os.WriteFile(args[0], data, 0o644); err != nil {
			return err
		}
		fmt.Printf(">> Photo saved to %s (%s)\n", args[0], photo.Describe(data))

	default:
		usage()
		return fmt.Errorf("unknown command %q", command)
	}
}

func unlock(ctx context.Context, svc *wallet.Service) error {
	outcome, err := svc.Unlock(ctx, *pinCode)
	if err != nil {
		return err
	}
	fmt.Printf(">> PIN: %s\n", outcome)
	if outcome.Status != pin.Verified {
		return errors.New("card locked")
	}
	return nil
}

func amountArg(args []string) (int32, error) {
	if len(args) != 1 {
		return 0, errors.New("an amount is required")
	}
	v, err := strconv.ParseInt(args[0], 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", args[0], err)
	}
	return int32(v), nil
}

func readImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return img, nil
}
