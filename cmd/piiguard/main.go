// Command piiguard scans documents for PII, classifies them and manages the
// resulting incidents.
package main

func main() {
	Execute()
}
