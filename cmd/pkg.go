/*
OCIBuilder assembles a Java application and a packaged Java runtime onto a base
image pulled from an OCI distribution registry, and writes the result as an OCI
image layout on the filesystem. No container engine is needed.

Usage:

	ocibuilder [global flags] command [flags]

Commands:

	build
		Builds the image layout. The image has three layers: the base image
		layers merged into one (or copied as they are with --keep-base-layers),
		then the runtime directory at /opt/jre, then the application directory
		at /opt/app. The entrypoint runs
		<module>/<module>.<main-class> on the packaged runtime.

		--jre DIR, --app DIR, --module NAME
			The runtime directory, the application directory, and the module to run.
		--out DIR
			The output directory. Defaults to 'oci-image'. An existing non-empty
			directory is only replaced with --force.
		--base-image REF
			Defaults to 'gcr.io/distroless/base:latest'.
		--main-class, --tag, --os, --arch, --pull-timeout, --cache-dir,
		--keep-base-layers, --concurrent, --progress, --metrics-file

	jre
		Links a trimmed runtime for a module with jlink: --module-path, --module,
		--out, and --java-home (defaults to $JAVA_HOME).

	version
		Displays the version.

Global flags:

	--log-level, --log-file, --config-file
*/
package main
