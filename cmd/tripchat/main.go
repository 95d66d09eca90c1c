package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/fx"

	"github.com/matheus3301/tripchat/internal/app"
	"github.com/matheus3301/tripchat/internal/config"
	"github.com/matheus3301/tripchat/internal/credstore"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	loginFlag := flag.String("login", "", "store a bearer token for the profile and exit")
	logoutFlag := flag.Bool("logout", false, "remove the stored token for the profile and exit")
	tripFlag := flag.Int64("trip", 0, "trip booking id of the conversation")
	peerIDFlag := flag.Int64("peer-id", 0, "account id of the other participant")
	peerNameFlag := flag.String("peer-name", "", "display name of the other participant")
	flag.Parse()

	profile := config.ResolveProfile(*profileFlag)
	if err := config.ValidateProfile(profile); err != nil {
		fatal(err)
	}

	if *loginFlag != "" {
		if err := storeCredential(profile, *loginFlag); err != nil {
			fatal(err)
		}
		fmt.Printf("credential stored for profile %q\n", profile)
		return
	}
	if *logoutFlag {
		if err := removeCredential(profile); err != nil {
			fatal(err)
		}
		fmt.Printf("credential removed for profile %q\n", profile)
		return
	}

	if *tripFlag <= 0 {
		fatal(fmt.Errorf("missing or invalid -trip flag"))
	}

	fx.New(
		fx.NopLogger,
		app.Module(app.Params{
			Profile:          profile,
			TripBookingID:    *tripFlag,
			CounterpartID:    *peerIDFlag,
			CounterpartLabel: *peerNameFlag,
		}),
	).Run()
}

func storeCredential(profile, token string) error {
	s, err := openCredStore(profile)
	if err != nil {
		return err
	}
	defer s.Close()
	return s.SetCredential(profile, token)
}

func removeCredential(profile string) error {
	s, err := openCredStore(profile)
	if err != nil {
		return err
	}
	defer s.Close()
	return s.DeleteCredential(profile)
}

func openCredStore(profile string) (*credstore.Store, error) {
	if err := config.EnsureProfileDir(profile); err != nil {
		return nil, err
	}
	s, err := credstore.Open(config.CredDBPath(profile))
	if err != nil {
		return nil, err
	}
	if _, err := s.Migrate(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
