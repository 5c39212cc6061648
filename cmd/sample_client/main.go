// Command sample_client is a minimal DICOM SCU: it connects to a peer,
// issues a C-ECHO, then (unless -echo-only is set) runs a C-FIND at
// study level and prints every match.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/0xLigety/fo-dicom/client"
	"github.com/0xLigety/fo-dicom/dicom"
	"github.com/0xLigety/fo-dicom/types"
)

func main() {
	address := flag.String("address", "127.0.0.1:4242", "host:port of the peer to connect to")
	callingAE := flag.String("calling-ae", "SAMPLE_SCU", "this side's AE title")
	calledAE := flag.String("called-ae", "SAMPLE_SCP", "peer's AE title")
	echoOnly := flag.Bool("echo-only", false, "only issue a C-ECHO, skip the C-FIND")
	studyDescription := flag.String("study-description", "", "StudyDescription to match in the C-FIND query")
	flag.Parse()

	assoc, err := client.Connect(*address, client.Config{
		CallingAETitle: *callingAE,
		CalledAETitle:  *calledAE,
		ConnectTimeout: 10 * time.Second,
	})
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer assoc.Close()

	ctx := context.Background()

	status, err := assoc.SendCEcho(ctx)
	if err != nil {
		log.Fatalf("C-ECHO: %v", err)
	}
	fmt.Printf("C-ECHO status: 0x%04x\n", status)

	if *echoOnly {
		return
	}

	identifier, err := buildStudyQuery(*studyDescription)
	if err != nil {
		log.Fatalf("building query: %v", err)
	}

	results, finalStatus, err := assoc.SendCFind(ctx, types.StudyRootQueryRetrieveInformationModelFind, identifier)
	if err != nil {
		log.Fatalf("C-FIND: %v", err)
	}

	fmt.Printf("C-FIND matches: %d, final status: 0x%04x\n", len(results), finalStatus)
	for i, r := range results {
		ds, err := dicom.ParseDatasetWithTransferSyntax(r.Identifier, types.ExplicitVRLittleEndian)
		if err != nil {
			fmt.Printf("  [%d] (failed to parse identifier: %v)\n", i, err)
			continue
		}
		studyUID := ds.GetString(dicom.Tag{Group: 0x0020, Element: 0x000D})
		description := ds.GetString(dicom.Tag{Group: 0x0008, Element: 0x1030})
		fmt.Printf("  [%d] StudyInstanceUID=%s Description=%q\n", i, studyUID, description)
	}
}

func buildStudyQuery(studyDescription string) ([]byte, error) {
	ds := dicom.NewDataset()
	ds.AddElement(dicom.Tag{Group: 0x0008, Element: 0x0052}, dicom.VR_CS, "STUDY")
	ds.AddElement(dicom.Tag{Group: 0x0020, Element: 0x000D}, dicom.VR_UI, "")
	ds.AddElement(dicom.Tag{Group: 0x0008, Element: 0x1030}, dicom.VR_LO, studyDescription)
	return dicom.EncodeDatasetWithTransferSyntax(ds, types.ExplicitVRLittleEndian)
}
