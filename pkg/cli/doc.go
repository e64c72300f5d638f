// Package cli implements bastionctl, the operator CLI. Every command reads the
// same BASTION_* environment as the server.
//
// # Commands
//
//	bastionctl seed apply [-file seed.yaml] [-watch]
//	bastionctl seed validate -file seed.yaml
//	bastionctl seed defaults > seed.yaml
//	bastionctl check -user <id> -action read -type connection [-id <id>] [-org <id>] [-ip 10.0.0.1]
//	bastionctl roles list|ancestors|effective
//	bastionctl sweep
//	bastionctl migrate
//	bastionctl keys create -user <id> -name ci [-ttl 720h]
//	bastionctl keys list -user <id>
//	bastionctl keys revoke -id <id>
//	bastionctl bootstrap -username ops [-role Admin] [-ttl 24h]
//
// check prints the decision as JSON and exits with status 2 on Deny.
package cli
