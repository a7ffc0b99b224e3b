// Command anomalycam serves video anomaly detection over HTTP and scans
// recorded videos from the command line.
package main

func main() {
	Execute()
}
