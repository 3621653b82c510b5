// Command collectord runs the collection service.
//
//	collectord serve --config config.yaml
//	collectord validate <run-id>
package main
