// Command sample_server runs a reference DICOM SCP: it accepts
// associations for Verification, Storage and Query/Retrieve (Study
// Root FIND/MOVE/GET), answers queries out of an in-memory DataStore
// seeded with one synthetic study, and accepts C-STORE pushes.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/0xLigety/fo-dicom/config"
	"github.com/0xLigety/fo-dicom/dicomlog"
	"github.com/0xLigety/fo-dicom/policy"
	"github.com/0xLigety/fo-dicom/server"
	"github.com/0xLigety/fo-dicom/services"
	"github.com/0xLigety/fo-dicom/types"
)

func main() {
	port := flag.Int("port", 4242, "TCP port to listen on")
	aeTitle := flag.String("ae", "SAMPLE_SCP", "server AE title")
	moveDests := flag.String("move-dest", "", "comma-separated AETITLE=host:port table for C-MOVE destinations")
	logFile := flag.String("log-file", "", "optional rotating log file path")
	flag.Parse()

	logOpts := dicomlog.DefaultOptions()
	logOpts.FilePath = *logFile
	logger := dicomlog.New(logOpts)
	log := dicomlog.WithConnID(logger, "sample_server")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store := newMemStore()
	store.seedSynthetic()

	acceptedAbstractSyntaxes := []string{
		types.VerificationSOPClass,
		types.StudyRootQueryRetrieveInformationModelFind,
		types.StudyRootQueryRetrieveInformationModelMove,
		types.StudyRootQueryRetrieveInformationModelGet,
		"1.2.840.10008.5.1.4.1.1.*", // every Storage SOP class
	}
	transferSyntaxPreference := []string{types.ExplicitVRLittleEndian, types.ImplicitVRLittleEndian}

	policyList, err := policy.NewAllowList(acceptedAbstractSyntaxes, nil, transferSyntaxPreference)
	if err != nil {
		log.WithError(err).Fatal("failed to build acceptance policy")
	}

	registry := services.Registry{
		Store:        store,
		Resolver:     parseStaticResolver(*moveDests),
		LocalAETitle: *aeTitle,
		EnableEcho:   true,
		EnableFind:   true,
		EnableMove:   true,
		EnableGet:    true,
		EnableStore:  true,
	}

	address := fmt.Sprintf(":%d", *port)
	err = server.ListenAndServe(ctx, address, *aeTitle, policyList, registry.Build(),
		server.WithLogger(log), server.WithConfig(config.Default()))
	switch {
	case err == nil:
		log.Info("sample server shutdown complete")
	case errors.Is(err, context.Canceled):
		log.Info("sample server stopped")
	default:
		log.WithError(err).Error("sample server terminated unexpectedly")
		os.Exit(1)
	}
}
