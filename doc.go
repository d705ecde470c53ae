// Package fhiruploader holds the shared types of the FHIR uploader: resource
// identity, per-resource outcomes, the run summary, the error taxonomy and the
// run configuration.
//
// The pipeline itself lives in subpackages, leaves first:
//
//	decode     raw input units (JSON, XML, zip, tgz) into resources
//	reference  references declared inside a resource
//	graph      dependency graph, cycle detection, deterministic upload plan
//	upload     per-resource and transaction upload protocols
//	stream     ordered progress events with one terminal summary
//	pipeline   run controller applying the error policy
//
// Basic usage:
//
//	opts, err := fhiruploader.NewOptions(
//	    fhiruploader.WithBaseURL("http://localhost:8080/fhir"),
//	    fhiruploader.WithPolicy(fhiruploader.PolicyContinueOnError),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	ctrl, err := pipeline.New(opts)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	summary := ctrl.Execute(ctx, inputs, stream.NewConsoleSink())
//	fmt.Println(summary.State, summary.Counts)
//
// Upload order is derived from references: a resource is sent only after
// every resource it references from the same input. Cycles abort the run.
package fhiruploader
